package domain

import "time"

// AuditAction names the kind of mutation an audit entry records.
type AuditAction string

const (
	ActionInsert AuditAction = "INSERT"
	ActionUpdate AuditAction = "UPDATE"
	ActionDelete AuditAction = "DELETE"
)

// AuditEntry is an immutable record of one mutation.
type AuditEntry struct {
	ID        int64         `json:"id,omitempty"`
	Table     string        `json:"table_name"`
	RecordID  int64         `json:"record_id"`
	Action    AuditAction   `json:"action"`
	OldValues ChangePayload `json:"old_values"`
	NewValues ChangePayload `json:"new_values"`
	Timestamp time.Time     `json:"timestamp"`
}

func (a *AuditEntry) RowID() int64 { return a.ID }
func (a *AuditEntry) SetRowID(id int64) { a.ID = id }
