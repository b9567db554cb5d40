package engine

import "github.com/seantiz/kompot/internal/model"

// Registry partitions successfully-submitted subscriptions into four disjoint
// lifecycle buckets. A subscription belongs to exactly one bucket at any
// time; orders that failed to submit never enter the registry. The registry
// has a single owner (the engine) and is not safe for concurrent use.
type Registry struct {
	pending  []*model.Subscription
	active   []*model.Subscription
	failed   []*model.Subscription
	canceled []*model.Subscription
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddPending registers a freshly-submitted subscription.
func (r *Registry) AddPending(sub *model.Subscription) {
	r.pending = append(r.pending, sub)
}

// Pending returns a copy of the pending bucket so one polling pass iterates a
// stable snapshot while transitions mutate the bucket underneath.
func (r *Registry) Pending() []*model.Subscription {
	out := make([]*model.Subscription, len(r.pending))
	copy(out, r.pending)
	return out
}

// Active returns the active bucket.
func (r *Registry) Active() []*model.Subscription { return r.active }

// Failed returns the failed bucket. FAILED and TERMINATED subscriptions land
// here together; they are handled identically from this point on.
func (r *Registry) Failed() []*model.Subscription { return r.failed }

// Canceled returns the canceled bucket.
func (r *Registry) Canceled() []*model.Subscription { return r.canceled }

// PendingCount reports the number of subscriptions still pending.
func (r *Registry) PendingCount() int { return len(r.pending) }

// MarkActive moves a pending subscription to the active bucket.
func (r *Registry) MarkActive(sub *model.Subscription) {
	r.pending = remove(r.pending, sub)
	r.active = append(r.active, sub)
}

// MarkFailed moves a pending subscription to the failed bucket.
func (r *Registry) MarkFailed(sub *model.Subscription) {
	r.pending = remove(r.pending, sub)
	r.failed = append(r.failed, sub)
}

// MarkCanceled moves a settled subscription to the canceled bucket.
func (r *Registry) MarkCanceled(sub *model.Subscription) {
	r.active = remove(r.active, sub)
	r.failed = remove(r.failed, sub)
	r.canceled = append(r.canceled, sub)
}

func remove(bucket []*model.Subscription, sub *model.Subscription) []*model.Subscription {
	for i, s := range bucket {
		if s == sub {
			return append(bucket[:i], bucket[i+1:]...)
		}
	}
	return bucket
}
