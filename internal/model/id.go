package model

import "github.com/oklog/ulid/v2"

// NewStatementName generates a new ULID string used as the durable key of one
// submission. ULIDs sort by creation time, which keeps "latest" lookups cheap.
func NewStatementName() string {
	return ulid.Make().String()
}
