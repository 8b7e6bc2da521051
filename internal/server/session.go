package server

import (
	"net/http"
	"time"

	"servline/internal/domain"
)

// sessions keeps the browser session in a signed cookie holding the
// employee id, name and role.
type sessions struct {
	secret string
	cookie string
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func (s sessions) issue(w http.ResponseWriter, emp domain.Employee) error {
	now := s.now()
	token, err := signToken(s.secret, audienceSession, emp, s.ttl, now)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    token,
		Path:     "/",
		Expires:  now.Add(s.ttl),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// read returns the session principal; ok is false for a missing, expired or
// tampered cookie.
func (s sessions) read(r *http.Request) (Principal, bool) {
	c, err := r.Cookie(s.cookie)
	if err != nil || c.Value == "" {
		return Principal{}, false
	}
	p, err := parseToken(c.Value, s.secret, audienceSession)
	if err != nil {
		return Principal{}, false
	}
	p.Source = "session"
	return p, true
}

func (s sessions) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
