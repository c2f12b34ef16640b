package batch

import (
	"maps"
	"time"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Result is the outcome of one item. Email identifies the account the item
// worked on (the submitted key when the item failed early).
type Result struct {
	Success bool           `json:"success"`
	Email   string         `json:"email,omitempty"`
	Error   string         `json:"error,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// Record is a snapshot of one batch. P carries the operation-specific
// parameters (account ids for refresh, count/domain for provisioning).
type Record[P any] struct {
	ID           string     `json:"id"`
	Op           string     `json:"op"`
	Status       Status     `json:"status"`
	Params       P          `json:"params"`
	Total        int        `json:"total"`
	Progress     int        `json:"progress"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	Results      []Result   `json:"results"`
	Logs         []LogEntry `json:"logs"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func (r Record[P]) clone() Record[P] {
	out := r
	out.Results = make([]Result, len(r.Results))
	for i, res := range r.Results {
		res.Config = maps.Clone(res.Config)
		out.Results[i] = res
	}
	out.Logs = append([]LogEntry(nil), r.Logs...)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
