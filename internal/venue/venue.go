// Package venue defines the client contract for exchange connectivity. The
// trading core only depends on this interface; real venue adapters live behind
// it and are configured per deployment.
package venue

import (
	"context"
	"errors"

	"github.com/meltonjoshua/auto-profit-trader/internal/types"
)

var (
	// ErrUnavailable marks transient venue failures (network, rate limit,
	// timeout). Callers retry with bounded backoff.
	ErrUnavailable = errors.New("venue unavailable")
	// ErrRejected marks permanent failures (rejected order, insufficient
	// funds). Callers abandon the attempt.
	ErrRejected = errors.New("venue rejected")
)

// Balance mirrors the free/used/total split exchanges report per asset.
type Balance struct {
	Free  float64
	Used  float64
	Total float64
}

// Fill is the outcome of a submitted order.
type Fill struct {
	OrderID  string
	Price    float64
	Fee      float64
	Quantity float64
}

// Client is a single exchange account. All calls honor context cancellation
// and fail with an error wrapping ErrUnavailable or ErrRejected.
type Client interface {
	Name() string
	Ticker(ctx context.Context, inst types.Instrument) (types.PriceSnapshot, error)
	Balances(ctx context.Context) (map[string]Balance, error)
	CreateOrder(ctx context.Context, req types.OrderRequest) (Fill, error)

	// TakerFee is the fractional fee applied to market orders.
	TakerFee() float64
	// MinOrderSize is the smallest base-asset quantity the venue accepts.
	MinOrderSize() float64
}
