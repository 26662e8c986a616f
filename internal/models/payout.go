package models

import (
	"time"

	"github.com/google/uuid"
)

// Payout statuses. A payout is initiated before the transfer is attempted so
// a crash between transfer and settlement can be recovered.
const (
	PayoutStatusInitiated = "initiated"
	PayoutStatusSettled   = "settled"
	PayoutStatusFailed    = "failed"
)

// Payout is one attempt to transfer a worker's pending earnings.
type Payout struct {
	ID                 uuid.UUID  `json:"id"`
	WorkerID           uuid.UUID  `json:"workerId"`
	AmountCents        int64      `json:"amountCents"`
	Currency           string     `json:"currency"`
	Status             string     `json:"status"`
	BatchLabel         string     `json:"batchLabel"`
	DestinationAccount string     `json:"destinationAccount"`
	TransferID         *string    `json:"transferId,omitempty"`
	Error              *string    `json:"error,omitempty"`
	JobCount           int        `json:"jobCount"`
	CreatedAt          time.Time  `json:"createdAt"`
	SettledAt          *time.Time `json:"settledAt,omitempty"`
}
