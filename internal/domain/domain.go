package domain

import "fmt"

// Role is the tagged variant an employee carries. Every employee is exactly
// one of the two.
type Role string

const (
	RoleWorker  Role = "worker"
	RoleManager Role = "manager"
)

func (r Role) Valid() bool {
	return r == RoleWorker || r == RoleManager
}

// ParseRole converts user input into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("invalid role %q (want worker or manager)", s)
	}
	return r, nil
}

type Employee struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role" enum:"worker,manager"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

func (e Employee) IsManager() bool { return e.Role == RoleManager }
func (e Employee) IsWorker() bool  { return e.Role == RoleWorker }

type Client struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Email     string `json:"email"`
	ManagedBy *int64 `json:"managed_by,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TimeUnit is the unit of a service's typical duration.
type TimeUnit string

const (
	UnitHours TimeUnit = "H"
	UnitDays  TimeUnit = "D"
	UnitWeeks TimeUnit = "W"
)

func (u TimeUnit) Valid() bool {
	return u == UnitHours || u == UnitDays || u == UnitWeeks
}

type Service struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	Description     string   `json:"description"`
	TypicalTime     int      `json:"typical_time"`
	TypicalTimeUnit TimeUnit `json:"typical_time_unit" enum:"H,D,W"`
	Steps           []Step   `json:"steps,omitempty"`
}

type Step struct {
	ID          int64  `json:"id"`
	ServiceID   int64  `json:"service_id"`
	BlockedBy   *int64 `json:"blocked_by,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Implementation struct {
	ID          int64  `json:"id"`
	ServiceID   int64  `json:"service_id"`
	ClientID    int64  `json:"client_id"`
	RequestedOn string `json:"requested_on" format:"date-time"`
	Notes       string `json:"notes,omitempty"`
}

// ImplementationSummary is an implementation joined with its names and task progress.
type ImplementationSummary struct {
	Implementation
	ClientName     string `json:"client_name"`
	ServiceName    string `json:"service_name"`
	TotalTasks     int    `json:"total_tasks"`
	CompletedTasks int    `json:"completed_tasks"`
}

// Identifier is the human label used across views, e.g. "Firewall Endpoint 3: MEGACORP".
func (s ImplementationSummary) Identifier() string {
	return fmt.Sprintf("%s %d: %s", s.ServiceName, s.ID, s.ClientName)
}

type Task struct {
	ID               int64   `json:"id"`
	StepID           int64   `json:"step_id"`
	ImplementationID int64   `json:"implementation_id"`
	Notes            string  `json:"notes,omitempty"`
	CompletedOn      *string `json:"completed_on,omitempty" format:"date-time"`
}

func (t Task) Completed() bool { return t.CompletedOn != nil }

// TaskView is a task joined with everything the views display about it.
type TaskView struct {
	Task
	StepName            string  `json:"step_name"`
	StepDescription     string  `json:"step_description,omitempty"`
	BlockedByStepID     *int64  `json:"blocked_by_step_id,omitempty"`
	ServiceID           int64   `json:"service_id"`
	ServiceName         string  `json:"service_name"`
	ServiceDescription  string  `json:"service_description,omitempty"`
	ClientID            int64   `json:"client_id"`
	ClientName          string  `json:"client_name"`
	ManagedBy           *int64  `json:"managed_by,omitempty"`
	ImplementationNotes string  `json:"implementation_notes,omitempty"`
	Ready               bool    `json:"ready"`
	AssigneeID          *int64  `json:"assignee_id,omitempty"`
	AssigneeName        string  `json:"assignee_name,omitempty"`
	AssignedOn          *string `json:"assigned_on,omitempty" format:"date-time"`
	OpenRequests        int     `json:"open_requests"`
}

// Identifier is the human label for a task, e.g. "Firewall Endpoint 3: MEGACORP | Ship Firewall".
func (t TaskView) Identifier() string {
	return fmt.Sprintf("%s %d: %s | %s", t.ServiceName, t.ImplementationID, t.ClientName, t.StepName)
}

type TaskAssignment struct {
	ID           int64  `json:"id"`
	TaskID       int64  `json:"task_id"`
	AssignedBy   int64  `json:"assigned_by"`
	AssignedTo   int64  `json:"assigned_to"`
	AssignedOn   string `json:"assigned_on" format:"date-time"`
	AssignerName string `json:"assigner_name,omitempty"`
	AssigneeName string `json:"assignee_name,omitempty"`
}

type InformationRequest struct {
	ID            int64   `json:"id"`
	TaskID        int64   `json:"task_id"`
	RequestedBy   int64   `json:"requested_by"`
	AssignedTo    int64   `json:"assigned_to"`
	RequestedOn   string  `json:"requested_on" format:"date-time"`
	RequestedInfo string  `json:"requested_info"`
	CompletedOn   *string `json:"completed_on,omitempty" format:"date-time"`
	CompletedInfo *string `json:"completed_info,omitempty"`
}

func (r InformationRequest) Open() bool { return r.CompletedOn == nil }

// RequestView is an information request joined with the names shown to managers.
type RequestView struct {
	InformationRequest
	RequesterName    string `json:"requester_name"`
	StepName         string `json:"step_name"`
	ServiceName      string `json:"service_name"`
	ClientName       string `json:"client_name"`
	ImplementationID int64  `json:"implementation_id"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    *int64 `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID         string `json:"id"`
	EmployeeID int64  `json:"employee_id"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}
