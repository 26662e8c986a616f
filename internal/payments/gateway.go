// Package payments moves money to workers' connected accounts at the
// payment processor.
package payments

import (
	"context"
	"errors"
)

// ErrTransferNotFound is returned by FindTransfer when the processor has no
// transfer in the group.
var ErrTransferNotFound = errors.New("payments: transfer not found")

// AccountStatus is what the processor reports about a connected account.
type AccountStatus struct {
	ID             string
	PayoutsEnabled bool
}

// TransferRequest moves AmountCents from the platform to Destination.
// Retrying with the same IdempotencyKey never creates a second transfer.
type TransferRequest struct {
	Destination    string
	AmountCents    int64
	Currency       string
	IdempotencyKey string
	TransferGroup  string
	Description    string
}

// Transfer is a completed transfer.
type Transfer struct {
	ID          string
	AmountCents int64
	Group       string
}

// Balance is the platform's balance in the configured currency.
type Balance struct {
	AvailableCents int64 `json:"available"`
	PendingCents   int64 `json:"pending"`
}

// Gateway is the external transfer capability.
type Gateway interface {
	AccountStatus(ctx context.Context, accountID string) (AccountStatus, error)
	Transfer(ctx context.Context, req TransferRequest) (Transfer, error)
	FindTransfer(ctx context.Context, group string) (Transfer, error)
	Balance(ctx context.Context) (Balance, error)
}

// ProviderError is a failure reported by the processor. Declined is set when
// the processor answered and refused, as opposed to being unreachable.
type ProviderError struct {
	Message  string
	Declined bool
	Err      error
}

func (e *ProviderError) Error() string { return e.Message }
func (e *ProviderError) Unwrap() error { return e.Err }

// Declined reports whether err is a refusal by a reachable processor.
func Declined(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Declined
}

// ErrNotConfigured is returned by Disabled.
var ErrNotConfigured = errors.New("payments: processor not configured")

// Disabled is the Gateway used when no processor credentials are set.
type Disabled struct{}

func (Disabled) AccountStatus(context.Context, string) (AccountStatus, error) {
	return AccountStatus{}, ErrNotConfigured
}
func (Disabled) Transfer(context.Context, TransferRequest) (Transfer, error) {
	return Transfer{}, ErrNotConfigured
}
func (Disabled) FindTransfer(context.Context, string) (Transfer, error) {
	return Transfer{}, ErrNotConfigured
}
func (Disabled) Balance(context.Context) (Balance, error) { return Balance{}, ErrNotConfigured }
