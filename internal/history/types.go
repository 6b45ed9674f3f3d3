package history

import (
	"context"
	"time"
)

// Record is one archived session: the input text and what each style produced.
// PIIRedacted is set when personal data was masked before saving.
type Record struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	InputText   string            `json:"input_text"`
	Outputs     map[string]string `json:"outputs"`
	Errors      map[string]string `json:"errors,omitempty"`
	PIIRedacted bool              `json:"pii_redacted"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Store persists completed sessions and lists the most recent ones.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Mode() string
	Close() error
}

func normalize(record Record, now time.Time) Record {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = now
	}
	if record.Outputs == nil {
		record.Outputs = map[string]string{}
	}
	return record
}
