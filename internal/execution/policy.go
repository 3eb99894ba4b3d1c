package execution

import (
	"context"
	"time"

	"github.com/quantfolio/rebalance-api/internal/types"
)

// Policy parameterizes one execution run. It is snapshotted onto the
// execution row at start so the run remains explainable after config changes.
type Policy struct {
	// WaitWindow is how long to wait for fills before canceling the
	// unfilled remainder of an order (the T+X cancellation). There is no
	// automatic re-submission of the remainder.
	WaitWindow time.Duration `json:"wait_window"`
	// PollInterval is how often fills are polled within the wait window.
	PollInterval time.Duration `json:"poll_interval"`

	// Retry policy for transient broker failures on a single order.
	MaxRetries  int           `json:"max_retries"`
	RetryBase   time.Duration `json:"retry_base"`
	RetryFactor float64       `json:"retry_factor"`

	// FailOnOrderFailure decides the execution-level outcome when an order
	// fails terminally: true fails the execution, false completes it DONE
	// with per-order failures. This is an explicit configuration choice,
	// never inferred from order counts.
	FailOnOrderFailure bool `json:"fail_on_order_failure"`
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		WaitWindow:         30 * time.Second,
		PollInterval:       2 * time.Second,
		MaxRetries:         3,
		RetryBase:          500 * time.Millisecond,
		RetryFactor:        2.0,
		FailOnOrderFailure: true,
	}
}

// retry invokes fn up to MaxRetries+1 times with multiplicative backoff,
// retrying only transient broker errors. Retries never create duplicate
// orders: fn is the single PlaceOrder call site for one order.
func (p Policy) retry(ctx context.Context, fn func() error) error {
	delay := p.RetryBase
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !types.IsTransientBrokerError(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.RetryFactor)
	}
}
