package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// Stripe is the Gateway backed by Stripe Connect.
type Stripe struct {
	api      *client.API
	currency string
}

func NewStripe(secretKey, currency string) *Stripe {
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &Stripe{api: client.New(secretKey, nil), currency: strings.ToLower(currency)}
}

func (s *Stripe) AccountStatus(ctx context.Context, accountID string) (AccountStatus, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := s.api.Accounts.GetByID(accountID, params)
	if err != nil {
		return AccountStatus{}, wrapStripe(err)
	}
	return AccountStatus{ID: acct.ID, PayoutsEnabled: acct.PayoutsEnabled}, nil
}

func (s *Stripe) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}
	params := &stripe.TransferParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(currency),
		Destination:   stripe.String(req.Destination),
		TransferGroup: stripe.String(req.TransferGroup),
		Description:   stripe.String(req.Description),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	tr, err := s.api.Transfers.New(params)
	if err != nil {
		return Transfer{}, wrapStripe(err)
	}
	return Transfer{ID: tr.ID, AmountCents: tr.Amount, Group: tr.TransferGroup}, nil
}

func (s *Stripe) FindTransfer(ctx context.Context, group string) (Transfer, error) {
	params := &stripe.TransferListParams{TransferGroup: stripe.String(group)}
	params.Context = ctx
	it := s.api.Transfers.List(params)
	for it.Next() {
		tr := it.Transfer()
		if !tr.Reversed {
			return Transfer{ID: tr.ID, AmountCents: tr.Amount, Group: tr.TransferGroup}, nil
		}
	}
	if err := it.Err(); err != nil {
		return Transfer{}, wrapStripe(err)
	}
	return Transfer{}, ErrTransferNotFound
}

func (s *Stripe) Balance(ctx context.Context) (Balance, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	bal, err := s.api.Balance.Get(params)
	if err != nil {
		return Balance{}, wrapStripe(err)
	}
	var out Balance
	for _, a := range bal.Available {
		if string(a.Currency) == s.currency {
			out.AvailableCents += a.Amount
		}
	}
	for _, a := range bal.Pending {
		if string(a.Currency) == s.currency {
			out.PendingCents += a.Amount
		}
	}
	return out, nil
}

// wrapStripe marks 4xx answers as declines so they do not trip the breaker.
func wrapStripe(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		msg := se.Msg
		if msg == "" {
			msg = string(se.Code)
		}
		return &ProviderError{Message: msg, Declined: se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500, Err: err}
	}
	return &ProviderError{Message: err.Error(), Err: err}
}
