package model

import "github.com/oklog/ulid/v2"

// NewRunID generates a new ULID string identifying an orchestration run.
func NewRunID() string {
	return ulid.Make().String()
}
