package store

import (
	"context"
	"errors"

	"github.com/seantiz/kompot/internal/model"
)

// ErrNotFound is returned when a run or subscription is not found.
var ErrNotFound = errors.New("record not found")

// Store defines the persistence operations for orchestration runs and the
// subscriptions they create. Records outlive the process so acceptance
// history can be inspected after the fact.
type Store interface {
	CreateRun(ctx context.Context, run *model.Run) error
	FinishRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context) ([]*model.Run, error)
	CreateSubscription(ctx context.Context, runID string, sub *model.Subscription) error
	UpdateSubscription(ctx context.Context, runID string, sub *model.Subscription) error
	ListSubscriptions(ctx context.Context, runID string) ([]*model.Subscription, error)
	Close() error
}
