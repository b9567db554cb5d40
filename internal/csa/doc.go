// Package csa is the client for the catalog/service-automation platform.
// It holds the authenticated session (bearer token with expiry, refreshed
// before every call) and translates orchestration intents into HTTP calls:
// offer resolution, order submission, status queries, cancel and delete.
// Remote failures are returned as typed soft errors, never panics.
package csa
