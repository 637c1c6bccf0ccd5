package registrar

import (
	"context"
	"errors"
)

// Status is the classified outcome of one submission.
type Status string

const (
	StatusCreated  Status = "created"
	StatusModified Status = "modified"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
)

func (s Status) String() string { return string(s) }

// Statuses lists every status in display order.
var Statuses = []Status{StatusCreated, StatusModified, StatusRejected, StatusFailed}

// Result is what Submit returns. Rejected and Modified are data, not errors;
// Err is set only for StatusFailed.
type Result struct {
	Status  Status
	Code    int
	Message string
	Err     error
}

// OK reports a created document.
func (r Result) OK() bool { return r.Status == StatusCreated }

// Cancelled reports a failure caused by the caller's context.
func (r Result) Cancelled() bool {
	return r.Err != nil && (errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, context.DeadlineExceeded))
}
