package model

import "time"

// Subscription status values as reported by the CSA platform. StatusError is a
// local marker used when a call about the subscription failed rather than the
// platform returning a status.
const (
	StatusPending    = "PENDING"
	StatusActive     = "ACTIVE"
	StatusFailed     = "FAILED"
	StatusTerminated = "TERMINATED"
	StatusCanceled   = "CANCELED"
	StatusDeleted    = "DELETED"
	StatusError      = "ERROR"
)

// settledStatuses are absorbing with respect to polling: once observed, the
// subscription leaves the pending bucket and is never polled again.
var settledStatuses = map[string]bool{
	StatusActive:     true,
	StatusFailed:     true,
	StatusTerminated: true,
}

// Settled reports whether status ends the polling lifecycle of a subscription.
func Settled(status string) bool {
	return settledStatuses[status]
}

// FailedStatus reports whether status routes the subscription to the failed
// teardown bucket. FAILED and TERMINATED are handled identically downstream.
func FailedStatus(status string) bool {
	return status == StatusFailed || status == StatusTerminated
}

// Subscription is one in-flight or completed order against the CSA platform.
// The subscription id and catalog id are unknown until the first status query
// matches the generated name.
type Subscription struct {
	Name      string     `json:"name"`
	ID        string     `json:"id,omitempty"`
	CatalogID string     `json:"catalog_id,omitempty"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Order     Order      `json:"order"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Run records one orchestration run: a batch of orders submitted, monitored
// and torn down together.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Submitted  int        `json:"submitted"`
	Active     int        `json:"active"`
	Failed     int        `json:"failed"`
	Abandoned  int        `json:"abandoned"`
}
