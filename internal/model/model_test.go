package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewRunIDFormat(t *testing.T) {
	id := NewRunID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewRunID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewRunIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewRunID()
		if seen[id] {
			t.Fatalf("NewRunID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestSettled(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusActive, true},
		{StatusFailed, true},
		{StatusTerminated, true},
		{StatusPending, false},
		{StatusCanceled, false},
		{StatusDeleted, false},
		{StatusError, false},
		{"", false},
		{"UNKNOWN", false},
	}
	for _, tt := range tests {
		if got := Settled(tt.status); got != tt.want {
			t.Errorf("Settled(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestFailedStatus(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusFailed, true},
		{StatusTerminated, true},
		{StatusActive, false},
		{StatusPending, false},
		{StatusError, false},
	}
	for _, tt := range tests {
		if got := FailedStatus(tt.status); got != tt.want {
			t.Errorf("FailedStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
