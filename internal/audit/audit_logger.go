package audit

import (
	"encoding/json"
	"log"
	"time"

	"github.com/tunewave/backend/internal/models"
)

type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reference string    `json:"reference"`
	AccountID string    `json:"account_id,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Status    string    `json:"status"`
	Details   any       `json:"details,omitempty"`
}

type Logger struct {
	logf func(format string, v ...any)
}

func NewLogger() *Logger {
	return &Logger{logf: log.Printf}
}

// LogEntries records every entry written by one ledger application
func (a *Logger) LogEntries(entries []models.LedgerEntry) {
	for _, e := range entries {
		a.log(AuditEvent{
			Timestamp: time.Now(),
			EventType: string(e.EntryType),
			Reference: e.Reference,
			AccountID: e.Account().String(),
			Amount:    e.Amount.String(),
			Status:    "SUCCESS",
			Details:   map[string]any{"entry_id": e.ID, "notes": e.Notes},
		})
	}
}

func (a *Logger) LogError(reference, accountID string, err error) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Reference: reference,
		AccountID: accountID,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	})
}

func (a *Logger) LogOperation(reference, accountID, operation, details string) {
	a.log(AuditEvent{
		Timestamp: time.Now(),
		EventType: operation,
		Reference: reference,
		AccountID: accountID,
		Status:    "SUCCESS",
		Details:   map[string]string{"details": details},
	})
}

func (a *Logger) log(event AuditEvent) {
	if a == nil {
		return
	}
	data, _ := json.Marshal(event)
	a.logf("AUDIT: %s", string(data))
}
