// Package engine drives the subscription orchestration run. It owns the
// registry of subscriptions partitioned by lifecycle bucket and walks the
// three phases in order: submit every configured order, poll the pending
// bucket under a global time budget, then cancel (and optionally delete)
// whatever settled. Execution is strictly sequential; all waiting is
// blocking sleeps of fixed duration.
package engine
