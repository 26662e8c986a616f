package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("payments: processor unavailable, circuit open")

// Breaker guards a Gateway with a circuit breaker. Declined requests and
// lookups that find nothing count as successes: the processor answered.
type Breaker struct {
	next Gateway
	cb   *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the breaker; zero values take the defaults.
type BreakerSettings struct {
	Timeout     time.Duration
	MinRequests uint32
	MaxFailRate float64
}

func NewBreaker(next Gateway, s BreakerSettings, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}
	if s.MinRequests == 0 {
		s.MinRequests = 3
	}
	if s.MaxFailRate == 0 {
		s.MaxFailRate = 0.6
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payments",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.MaxFailRate
		},
		IsSuccessful: func(err error) bool {
			return err == nil || Declined(err) || errors.Is(err, ErrTransferNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Breaker{next: next, cb: cb}
}

func (b *Breaker) AccountStatus(ctx context.Context, accountID string) (AccountStatus, error) {
	return call(b, func() (AccountStatus, error) { return b.next.AccountStatus(ctx, accountID) })
}

func (b *Breaker) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	return call(b, func() (Transfer, error) { return b.next.Transfer(ctx, req) })
}

func (b *Breaker) FindTransfer(ctx context.Context, group string) (Transfer, error) {
	return call(b, func() (Transfer, error) { return b.next.FindTransfer(ctx, group) })
}

func (b *Breaker) Balance(ctx context.Context) (Balance, error) {
	return call(b, func() (Balance, error) { return b.next.Balance(ctx) })
}

// State is the breaker's current state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

func call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (any, error) { return fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, ErrUnavailable
	}
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
