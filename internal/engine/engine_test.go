package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/kompot/internal/csa"
	"github.com/seantiz/kompot/internal/engine"
	"github.com/seantiz/kompot/internal/model"
	"github.com/seantiz/kompot/internal/store"
)

// Scripted status entries with special meaning to the fake client.
const (
	scriptNoMatch   = "NOMATCH"
	scriptSoftError = "SOFTERR"
	scriptTokenErr  = "TOKENERR"
)

// fakeClient is a scripted CatalogClient. Submitted subscriptions are named
// prefix + "SUB"; status scripts are keyed by that name and advance one step
// per query, the last entry being sticky.
type fakeClient struct {
	mu         sync.Mutex
	resolveErr map[string]error // by offering name
	submitErr  map[string]error // by offering name
	scripts    map[string][]string
	step       map[string]int
	queries    map[string]int
	canceled   []string
	deleted    []string
	cancelErr  map[string]error // by subscription id
	deleteErr  map[string]error
}

func newFakeClient(scripts map[string][]string) *fakeClient {
	return &fakeClient{
		resolveErr: map[string]error{},
		submitErr:  map[string]error{},
		scripts:    scripts,
		step:       map[string]int{},
		queries:    map[string]int{},
		cancelErr:  map[string]error{},
		deleteErr:  map[string]error{},
	}
}

func (f *fakeClient) ResolveOffer(_ context.Context, offeringName, _ string) (*model.Offer, error) {
	if err := f.resolveErr[offeringName]; err != nil {
		return nil, err
	}
	return &model.Offer{
		ID:        "O-" + offeringName,
		CatalogID: "CAT-1",
		Category:  "Test",
		Fields:    []model.OfferField{{ID: "F1", Name: "size", Value: "10", HasValue: true}},
	}, nil
}

func (f *fakeClient) SubmitOrder(_ context.Context, offer *model.Offer, _ map[string]string, prefix string) (string, error) {
	name := prefix + "SUB"
	for offering, err := range f.submitErr {
		if offer.ID == "O-"+offering && err != nil {
			return name, err
		}
	}
	return name, nil
}

func (f *fakeClient) QueryStatus(_ context.Context, name string) (*csa.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queries[name]++
	script := f.scripts[name]
	if len(script) == 0 {
		return nil, fmt.Errorf("query status %q: %w", name, csa.ErrNoMatch)
	}

	status := script[f.step[name]]
	if f.step[name] < len(script)-1 {
		f.step[name]++
	}

	switch status {
	case scriptNoMatch:
		return nil, fmt.Errorf("query status %q: %w", name, csa.ErrNoMatch)
	case scriptSoftError:
		return nil, &csa.Error{Op: "query status", Kind: csa.ErrKindRemote, Status: 500, Message: "boom"}
	case scriptTokenErr:
		return nil, fmt.Errorf("%w: remote returned 401", csa.ErrToken)
	}
	return &csa.StatusResult{ID: "ID-" + name, CatalogID: "CAT-1", Status: status}, nil
}

func (f *fakeClient) Cancel(_ context.Context, subscriptionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.cancelErr[subscriptionID]; err != nil {
		return err
	}
	f.canceled = append(f.canceled, subscriptionID)
	return nil
}

func (f *fakeClient) Delete(_ context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.deleteErr[subscriptionID]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, subscriptionID)
	return nil
}

func (f *fakeClient) InstanceDetails(_ context.Context, name string) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"name":%q,"status":"ACTIVE"}`, name)), nil
}

func (f *fakeClient) queryCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[name]
}

func newTestEngine(t *testing.T, client engine.CatalogClient, opts engine.Options) (*engine.Engine, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if opts.Delay == 0 {
		opts.Delay = time.Millisecond
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 5 * time.Millisecond
	}
	if opts.Timeout == 0 {
		opts.Timeout = 500 * time.Millisecond
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return engine.New(client, s, logger, opts), s
}

func TestRunAllActive(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"web-SUB": {model.StatusPending, model.StatusActive},
		"db-SUB":  {model.StatusActive},
	})
	eng, _ := newTestEngine(t, client, engine.Options{Delete: true})

	result, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "web", SubscriptionPrefix: "web-"},
		{OfferingName: "db", SubscriptionPrefix: "db-"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Submitted != 2 || result.Active != 2 || result.Failed != 0 {
		t.Errorf("result = %+v, want 2 submitted, 2 active, 0 failed", result)
	}
	if result.Canceled != 2 || result.Deleted != 2 {
		t.Errorf("result = %+v, want 2 canceled, 2 deleted", result)
	}
	if len(client.canceled) != 2 || len(client.deleted) != 2 {
		t.Errorf("cancel/delete calls = %d/%d, want 2/2", len(client.canceled), len(client.deleted))
	}
	if len(eng.Registry().Canceled()) != 2 {
		t.Errorf("canceled bucket = %d, want 2", len(eng.Registry().Canceled()))
	}
}

func TestFailedAndTerminatedShareBucket(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"f-SUB": {model.StatusFailed},
		"t-SUB": {model.StatusTerminated},
	})
	eng, _ := newTestEngine(t, client, engine.Options{})

	result, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "f", SubscriptionPrefix: "f-"},
		{OfferingName: "t", SubscriptionPrefix: "t-"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Failed != 2 {
		t.Errorf("Failed = %d, want 2 (FAILED and TERMINATED share the bucket)", result.Failed)
	}
	// Both are torn down exactly like each other.
	if len(client.canceled) != 2 {
		t.Errorf("cancel calls = %d, want 2", len(client.canceled))
	}
	if len(client.deleted) != 0 {
		t.Errorf("delete calls = %d, want 0 (delete not requested)", len(client.deleted))
	}
}

func TestSubmissionFailureDropsOrder(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"ok-SUB": {model.StatusActive},
	})
	client.submitErr["bad"] = &csa.Error{Op: "submit order", Kind: csa.ErrKindRemote, Status: 500, Message: "no"}

	eng, _ := newTestEngine(t, client, engine.Options{})

	result, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "bad", SubscriptionPrefix: "bad-"},
		{OfferingName: "ok", SubscriptionPrefix: "ok-"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Submitted != 1 {
		t.Errorf("Submitted = %d, want 1 (failed submission dropped)", result.Submitted)
	}
	if got := client.queryCount("bad-SUB"); got != 0 {
		t.Errorf("dropped order polled %d times, want 0", got)
	}

	// The dropped order must not be tracked anywhere.
	runs := eng.Registry()
	if len(runs.Active())+len(runs.Failed())+len(runs.Canceled())+runs.PendingCount() != 1 {
		t.Error("dropped order appeared in a bucket")
	}
}

func TestResolveFailureDropsOrder(t *testing.T) {
	client := newFakeClient(nil)
	client.resolveErr["ghost"] = errors.New("resolve offer: offering \"ghost\" not found")

	eng, _ := newTestEngine(t, client, engine.Options{})

	result, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "ghost", SubscriptionPrefix: "g-"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Submitted != 0 {
		t.Errorf("Submitted = %d, want 0", result.Submitted)
	}
}

func TestMonitorBudgetBoundsPollPasses(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"web-SUB": {model.StatusPending}, // never settles
	})
	eng, _ := newTestEngine(t, client, engine.Options{
		Heartbeat: 30 * time.Millisecond,
		Timeout:   120 * time.Millisecond,
	})

	result, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "web", SubscriptionPrefix: "web-"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := client.queryCount("web-SUB"); got != 4 {
		t.Errorf("poll passes = %d, want 4 (timeout/heartbeat = 120/30)", got)
	}
	if result.Abandoned != 1 {
		t.Errorf("Abandoned = %d, want 1", result.Abandoned)
	}
	// Abandoned subscriptions are not torn down.
	if len(client.canceled) != 0 {
		t.Errorf("cancel calls = %d, want 0", len(client.canceled))
	}
}

func TestActiveIsAbsorbing(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"fast-SUB": {model.StatusActive},
		"slow-SUB": {model.StatusPending, model.StatusPending, model.StatusActive},
	})
	eng, _ := newTestEngine(t, client, engine.Options{})

	if _, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "fast", SubscriptionPrefix: "fast-"},
		{OfferingName: "slow", SubscriptionPrefix: "slow-"},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := client.queryCount("fast-SUB"); got != 1 {
		t.Errorf("settled subscription polled %d times, want 1 (ACTIVE is absorbing)", got)
	}
	if got := client.queryCount("slow-SUB"); got != 3 {
		t.Errorf("slow subscription polled %d times, want 3", got)
	}
}

func TestSoftQueryFailureLeavesPending(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"web-SUB": {scriptSoftError, scriptNoMatch, model.StatusActive},
	})
	eng, _ := newTestEngine(t, client, engine.Options{})

	result, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "web", SubscriptionPrefix: "web-"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.Active != 1 {
		t.Errorf("Active = %d, want 1 (soft failures retried on next tick)", result.Active)
	}
	if got := client.queryCount("web-SUB"); got != 3 {
		t.Errorf("query count = %d, want 3", got)
	}
}

func TestCancelFailureIsSoft(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"a-SUB": {model.StatusActive},
		"b-SUB": {model.StatusActive},
	})
	client.cancelErr["ID-a-SUB"] = &csa.Error{Op: "cancel subscription", Kind: csa.ErrKindRemote, Status: 409, Message: "already canceled"}

	eng, _ := newTestEngine(t, client, engine.Options{})

	result, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "a", SubscriptionPrefix: "a-"},
		{OfferingName: "b", SubscriptionPrefix: "b-"},
	})
	if err != nil {
		t.Fatalf("Run: %v (cancel soft failure must not abort the run)", err)
	}

	if result.Canceled != 1 {
		t.Errorf("Canceled = %d, want 1", result.Canceled)
	}
	if len(client.canceled) != 1 || client.canceled[0] != "ID-b-SUB" {
		t.Errorf("canceled = %v, want [ID-b-SUB] (teardown continues past failures)", client.canceled)
	}
}

func TestTokenFailureIsFatal(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"web-SUB": {scriptTokenErr},
	})
	eng, _ := newTestEngine(t, client, engine.Options{})

	_, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "web", SubscriptionPrefix: "web-"},
	})
	if !errors.Is(err, csa.ErrToken) {
		t.Errorf("Run error = %v, want wrapped csa.ErrToken", err)
	}
}

func TestInstanceDocumentWritten(t *testing.T) {
	dir := t.TempDir()
	client := newFakeClient(map[string][]string{
		"web-SUB": {model.StatusActive},
	})
	eng, _ := newTestEngine(t, client, engine.Options{OutputFolder: dir})

	if _, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "web", SubscriptionPrefix: "web-"},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "web-SUB.json"))
	if err != nil {
		t.Fatalf("instance document not written: %v", err)
	}
	var doc struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("instance document is not JSON: %v", err)
	}
	if doc.Name != "web-SUB" {
		t.Errorf("document name = %q, want web-SUB", doc.Name)
	}
}

func TestRunRecordedInStore(t *testing.T) {
	client := newFakeClient(map[string][]string{
		"web-SUB": {model.StatusActive},
		"db-SUB":  {model.StatusFailed},
	})
	eng, s := newTestEngine(t, client, engine.Options{})

	if _, err := eng.Run(context.Background(), []model.Order{
		{OfferingName: "web", SubscriptionPrefix: "web-"},
		{OfferingName: "db", SubscriptionPrefix: "db-"},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	runs, err := s.ListRuns(context.Background())
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("store holds %d runs, want 1", len(runs))
	}
	run := runs[0]
	if run.FinishedAt == nil {
		t.Error("run has no finish time")
	}
	if run.Submitted != 2 || run.Active != 1 || run.Failed != 1 {
		t.Errorf("run counters = %d/%d/%d, want 2 submitted, 1 active, 1 failed",
			run.Submitted, run.Active, run.Failed)
	}

	subs, err := s.ListSubscriptions(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("store holds %d subscriptions, want 2", len(subs))
	}
	// Teardown cancels both settled subscriptions, so the persisted status
	// is CANCELED for each.
	for _, sub := range subs {
		if sub.Status != model.StatusCanceled {
			t.Errorf("subscription %s status = %q, want %q after teardown", sub.Name, sub.Status, model.StatusCanceled)
		}
		if sub.ID == "" {
			t.Errorf("subscription %s has no platform id recorded", sub.Name)
		}
	}
}
