package storage

import (
	"errors"
	"time"

	"batchq/internal/batch"
	"batchq/internal/redact"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// RunRecord is the persisted summary of one Run or Resume call.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID         string       `json:"id"`
	Queue      string       `json:"queue"`
	Status     string       `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Cancelled  int          `json:"cancelled"`
	Items      []ItemRecord `json:"items,omitempty"`
}

type ItemRecord struct {
	ID         string `json:"id"`
	Label      string `json:"label,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (r RunRecord) Total() int { return len(r.Items) }

func (r RunRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// FromResult builds a record from a queue result. Item errors are already
// sanitized by the queue; they are passed through redact again because
// records outlive the process.
func FromResult[T, R any](queue string, res batch.Result[T, R], finishedAt time.Time) RunRecord {
	rec := RunRecord{
		ID:         res.RunID,
		Queue:      queue,
		Status:     res.Status.String(),
		StartedAt:  finishedAt.Add(-res.TotalTime),
		FinishedAt: finishedAt,
		Successful: res.Successful,
		Failed:     res.Failed,
		Cancelled:  res.Cancelled,
		Items:      make([]ItemRecord, 0, len(res.Items)),
	}
	for _, it := range res.Items {
		rec.Items = append(rec.Items, ItemRecord{
			ID:         it.ID,
			Label:      it.Label,
			Status:     it.Status.String(),
			Error:      redact.String(it.Error),
			DurationMS: it.Duration().Milliseconds(),
		})
	}
	return rec
}
