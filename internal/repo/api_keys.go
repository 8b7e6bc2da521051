package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"servline/internal/domain"
)

// HashAPIKey digests a presented key; only digests are stored.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a key for an employee. KeyHash must already be digested.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.EmployeeID == 0 {
		return errors.New("employee_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt == "" {
		key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO api_keys(id, employee_id, name, key_hash, created_at) VALUES (?,?,?,?,?)`,
		key.ID, key.EmployeeID, nullable(key.Name), key.KeyHash, key.CreatedAt)
	return err
}

func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id, employee_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	var key domain.APIKey
	err := row.Scan(&key.ID, &key.EmployeeID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// ListAPIKeys returns API keys, optionally filtered by employee.
func (r Repo) ListAPIKeys(ctx context.Context, employeeID int64) ([]domain.APIKey, error) {
	query := `SELECT id, employee_id, COALESCE(name,''), key_hash, created_at FROM api_keys`
	var args []any
	if employeeID > 0 {
		query += ` WHERE employee_id=?`
		args = append(args, employeeID)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.EmployeeID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// RevokeAPIKey removes a key owned by employeeID. A key that exists but
// belongs to someone else reports ErrNotFound.
func (r Repo) RevokeAPIKey(ctx context.Context, employeeID int64, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	return rowsAffected(r.DB.ExecContext(ctx, `DELETE FROM api_keys WHERE id=? AND employee_id=?`, id, employeeID))
}
