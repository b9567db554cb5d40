package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/kompot/internal/csa"
	"github.com/seantiz/kompot/internal/model"
	"github.com/seantiz/kompot/internal/store"
)

// CatalogClient is the slice of the CSA client the engine drives. Declared
// here so tests can substitute a scripted implementation.
type CatalogClient interface {
	ResolveOffer(ctx context.Context, offeringName, offeringVersion string) (*model.Offer, error)
	SubmitOrder(ctx context.Context, offer *model.Offer, fields map[string]string, subscriptionPrefix string) (string, error)
	QueryStatus(ctx context.Context, subscriptionName string) (*csa.StatusResult, error)
	Cancel(ctx context.Context, subscriptionID, catalogID string) error
	Delete(ctx context.Context, subscriptionID string) error
	InstanceDetails(ctx context.Context, subscriptionName string) (json.RawMessage, error)
}

// Options configures one orchestration run.
type Options struct {
	// Delay is the spacing between successive submissions and between
	// teardown calls, protecting the platform from bursts.
	Delay time.Duration
	// Heartbeat is the spacing between polling passes.
	Heartbeat time.Duration
	// Timeout is the global wall-clock budget for the monitoring phase,
	// decremented in heartbeat-sized steps.
	Timeout time.Duration
	// Delete requests deletion after cancellation during teardown.
	Delete bool
	// OutputFolder, when set, receives one instance document per
	// subscription that reaches ACTIVE.
	OutputFolder string
}

// Result summarizes a finished run. Failed counts subscriptions that settled
// as FAILED or TERMINATED before teardown; Abandoned counts subscriptions
// still pending when the budget ran out (these are not torn down).
type Result struct {
	Submitted int
	Active    int
	Failed    int
	Abandoned int
	Canceled  int
	Deleted   int
}

// Defaults applied when an option is left zero.
const (
	DefaultHeartbeat = 2 * time.Minute
	DefaultTimeout   = time.Hour
)

// Engine orchestrates a batch of subscription orders through submission,
// monitoring and teardown.
type Engine struct {
	client CatalogClient
	store  store.Store
	reg    *Registry
	logger *slog.Logger
	opts   Options

	// sleep is swappable so tests can run the loop without real waiting.
	sleep func(time.Duration)
}

// New creates an engine for one run.
func New(client CatalogClient, s store.Store, logger *slog.Logger, opts Options) *Engine {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Engine{
		client: client,
		store:  s,
		reg:    NewRegistry(),
		logger: logger,
		opts:   opts,
		sleep:  time.Sleep,
	}
}

// Registry exposes the bucket registry for inspection after a run.
func (e *Engine) Registry() *Registry {
	return e.reg
}

// Run executes the full orchestration: submit every order, monitor pending
// subscriptions until they settle or the budget runs out, then tear down
// whatever settled. The returned error is non-nil only for fatal conditions
// (token acquisition); soft failures are recorded and logged.
func (e *Engine) Run(ctx context.Context, orders []model.Order) (*Result, error) {
	run := &model.Run{
		ID:        model.NewRunID(),
		StartedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		e.logger.Error("failed to record run", "run_id", run.ID, "error", err)
	}

	e.logger.Info("starting run",
		"run_id", run.ID,
		"orders", len(orders),
		"heartbeat", e.opts.Heartbeat,
		"timeout", e.opts.Timeout,
	)

	if err := e.submitAll(ctx, run.ID, orders); err != nil {
		return nil, err
	}
	if err := e.monitor(ctx, run.ID); err != nil {
		return nil, err
	}

	// Capture the verdict before teardown moves settled subscriptions into
	// the canceled bucket.
	result := &Result{
		Submitted: len(e.reg.Pending()) + len(e.reg.Active()) + len(e.reg.Failed()),
		Active:    len(e.reg.Active()),
		Failed:    len(e.reg.Failed()),
	}
	e.recordAbandoned(ctx, run.ID, result)

	if err := e.teardown(ctx, run.ID, result); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Submitted = result.Submitted
	run.Active = result.Active
	run.Failed = result.Failed
	run.Abandoned = result.Abandoned
	if err := e.store.FinishRun(ctx, run); err != nil {
		e.logger.Error("failed to finish run record", "run_id", run.ID, "error", err)
	}

	e.logger.Info("run finished",
		"run_id", run.ID,
		"submitted", result.Submitted,
		"active", result.Active,
		"failed", result.Failed,
		"abandoned", result.Abandoned,
	)
	return result, nil
}

// submitAll runs the submission phase. A soft submission failure drops the
// order from all further processing; it never enters any bucket.
func (e *Engine) submitAll(ctx context.Context, runID string, orders []model.Order) error {
	for i, order := range orders {
		if err := e.submit(ctx, runID, order); err != nil {
			if errors.Is(err, csa.ErrToken) {
				return err
			}
			submissionsTotal.WithLabelValues(outcomeFailure).Inc()
			e.logger.Error("order dropped",
				"offering", order.OfferingName,
				"prefix", order.SubscriptionPrefix,
				"error", err,
			)
		}
		if i < len(orders)-1 {
			e.sleep(e.opts.Delay)
		}
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, runID string, order model.Order) error {
	offer, err := e.client.ResolveOffer(ctx, order.OfferingName, order.OfferingVersion)
	if err != nil {
		return err
	}

	fields := csa.BuildFields(offer, order.ServiceOptions)
	name, err := e.client.SubmitOrder(ctx, offer, fields, order.SubscriptionPrefix)
	if err != nil {
		return err
	}

	sub := &model.Subscription{
		Name:      name,
		CatalogID: offer.CatalogID,
		Status:    model.StatusPending,
		Order:     order,
		CreatedAt: time.Now().UTC(),
	}
	e.reg.AddPending(sub)
	submissionsTotal.WithLabelValues(outcomeSuccess).Inc()

	if err := e.store.CreateSubscription(ctx, runID, sub); err != nil {
		e.logger.Error("failed to record subscription", "subscription", name, "error", err)
	}

	e.logger.Info("order submitted", "subscription", name, "offering", order.OfferingName)
	return nil
}

// monitor polls every pending subscription once per heartbeat until the
// pending bucket empties or the remaining budget drops below one heartbeat.
func (e *Engine) monitor(ctx context.Context, runID string) error {
	remaining := e.opts.Timeout

	for remaining >= e.opts.Heartbeat {
		e.logger.Info("checking subscription status", "pending", e.reg.PendingCount())
		pollPassesTotal.Inc()

		for _, sub := range e.reg.Pending() {
			if err := e.transition(ctx, runID, sub); err != nil {
				return err
			}
		}

		if e.reg.PendingCount() == 0 {
			e.logger.Info("all subscriptions settled")
			return nil
		}

		e.logger.Info("sleeping until next heartbeat", "heartbeat", e.opts.Heartbeat, "remaining", remaining)
		e.sleep(e.opts.Heartbeat)
		remaining -= e.opts.Heartbeat
	}

	return nil
}

// transition applies the polling state machine to one pending subscription:
// ACTIVE moves it to the active bucket, FAILED and TERMINATED to the failed
// bucket, anything else (including no match and soft query failures) leaves
// it pending for the next tick.
func (e *Engine) transition(ctx context.Context, runID string, sub *model.Subscription) error {
	result, err := e.client.QueryStatus(ctx, sub.Name)
	if err != nil {
		if errors.Is(err, csa.ErrToken) {
			return err
		}
		if errors.Is(err, csa.ErrNoMatch) {
			// Not visible yet; freshly submitted subscriptions can take a
			// heartbeat or two to appear in the filter.
			e.logger.Info("subscription not visible yet", "subscription", sub.Name)
			return nil
		}
		sub.Status = model.StatusError
		sub.Error = err.Error()
		e.logger.Warn("status query failed, will retry", "subscription", sub.Name, "error", err)
		return nil
	}

	sub.ID = result.ID
	sub.CatalogID = result.CatalogID
	e.logger.Info("subscription status", "subscription", sub.Name, "status", result.Status)

	if !model.Settled(result.Status) {
		sub.Status = result.Status
		return nil
	}

	now := time.Now().UTC()
	sub.Status = result.Status
	sub.SettledAt = &now
	sub.Error = ""

	if model.FailedStatus(result.Status) {
		e.reg.MarkFailed(sub)
		transitionsTotal.WithLabelValues("failed").Inc()
	} else {
		e.reg.MarkActive(sub)
		transitionsTotal.WithLabelValues("active").Inc()
		e.captureInstance(ctx, sub)
	}

	if err := e.store.UpdateSubscription(ctx, runID, sub); err != nil {
		e.logger.Error("failed to record transition", "subscription", sub.Name, "error", err)
	}
	return nil
}

// captureInstance writes the service-instance document of a newly-active
// subscription into the output folder. Failures are soft: the document is a
// diagnostic artifact, not part of the verdict.
func (e *Engine) captureInstance(ctx context.Context, sub *model.Subscription) {
	if e.opts.OutputFolder == "" {
		return
	}

	doc, err := e.client.InstanceDetails(ctx, sub.Name)
	if err != nil {
		e.logger.Warn("failed to fetch instance details", "subscription", sub.Name, "error", err)
		return
	}

	if err := os.MkdirAll(e.opts.OutputFolder, 0o755); err != nil {
		e.logger.Warn("failed to create output folder", "folder", e.opts.OutputFolder, "error", err)
		return
	}

	path := filepath.Join(e.opts.OutputFolder, sub.Name+".json")
	if err := os.WriteFile(path, doc, 0o644); err != nil {
		e.logger.Warn("failed to write instance document", "path", path, "error", err)
		return
	}
	e.logger.Info("instance document written", "path", path)
}

// recordAbandoned logs and persists subscriptions still pending at budget
// exhaustion. They stay in the pending bucket and are excluded from teardown;
// the record makes the gap visible instead of silent.
func (e *Engine) recordAbandoned(ctx context.Context, runID string, result *Result) {
	for _, sub := range e.reg.Pending() {
		result.Abandoned++
		abandonedTotal.Inc()
		sub.Error = fmt.Sprintf("still %s when the monitoring budget ran out", sub.Status)
		e.logger.Warn("subscription abandoned", "subscription", sub.Name, "status", sub.Status)
		if err := e.store.UpdateSubscription(ctx, runID, sub); err != nil {
			e.logger.Error("failed to record abandoned subscription", "subscription", sub.Name, "error", err)
		}
	}
}

// teardown cancels every settled subscription, with an inter-call delay, and
// deletes it afterwards when requested. Soft failures never block teardown of
// the rest of the batch; the platform does not guarantee idempotency, so
// repeat cancels surface as soft failures too.
func (e *Engine) teardown(ctx context.Context, runID string, result *Result) error {
	settled := append(append([]*model.Subscription{}, e.reg.Active()...), e.reg.Failed()...)

	for i, sub := range settled {
		if err := e.cancelOne(ctx, runID, sub, result); err != nil {
			return err
		}
		if i < len(settled)-1 || e.opts.Delete {
			e.sleep(e.opts.Delay)
		}
		if e.opts.Delete {
			if err := e.deleteOne(ctx, runID, sub, result); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) cancelOne(ctx context.Context, runID string, sub *model.Subscription, result *Result) error {
	if sub.ID == "" {
		e.logger.Warn("skipping cancel, subscription id unknown", "subscription", sub.Name)
		return nil
	}

	if err := e.client.Cancel(ctx, sub.ID, sub.CatalogID); err != nil {
		if errors.Is(err, csa.ErrToken) {
			return err
		}
		teardownCallsTotal.WithLabelValues("cancel", outcomeFailure).Inc()
		sub.Error = err.Error()
		e.logger.Error("cancel failed", "subscription", sub.Name, "error", err)
		return nil
	}

	teardownCallsTotal.WithLabelValues("cancel", outcomeSuccess).Inc()
	result.Canceled++
	sub.Status = model.StatusCanceled
	e.reg.MarkCanceled(sub)
	if err := e.store.UpdateSubscription(ctx, runID, sub); err != nil {
		e.logger.Error("failed to record cancel", "subscription", sub.Name, "error", err)
	}
	return nil
}

func (e *Engine) deleteOne(ctx context.Context, runID string, sub *model.Subscription, result *Result) error {
	if sub.ID == "" {
		return nil
	}

	if err := e.client.Delete(ctx, sub.ID); err != nil {
		if errors.Is(err, csa.ErrToken) {
			return err
		}
		teardownCallsTotal.WithLabelValues("delete", outcomeFailure).Inc()
		sub.Error = err.Error()
		e.logger.Error("delete failed", "subscription", sub.Name, "error", err)
		return nil
	}

	teardownCallsTotal.WithLabelValues("delete", outcomeSuccess).Inc()
	result.Deleted++
	sub.Status = model.StatusDeleted
	if err := e.store.UpdateSubscription(ctx, runID, sub); err != nil {
		e.logger.Error("failed to record delete", "subscription", sub.Name, "error", err)
	}
	return nil
}
