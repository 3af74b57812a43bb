// Package quota enforces per-tenant requests-per-minute and
// tokens-per-minute budgets.
package quota

import (
	"context"
	"time"
)

// LimitType names what a descriptor counts.
type LimitType string

const (
	LimitTypeRequests LimitType = "rpm"
	LimitTypeTokens   LimitType = "tpm"
)

// Descriptor is one counter to charge.
type Descriptor struct {
	Key    string // tenant id
	Type   LimitType
	Limit  int64
	Amount int64
	Window time.Duration
}

// Result is the counter state after charging a descriptor.
type Result struct {
	Allowed   bool
	Current   int64
	Remaining int64
	ResetIn   time.Duration
}

// Backend charges descriptors atomically and reports the new counts.
type Backend interface {
	CheckAllow(ctx context.Context, descriptors []Descriptor) ([]Result, error)
}

func result(limit, current int64, resetIn time.Duration) Result {
	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   current <= limit,
		Current:   current,
		Remaining: remaining,
		ResetIn:   resetIn,
	}
}
