package models

import (
	"time"

	"github.com/google/uuid"
)

// Credit ledger entry types.
const (
	CreditEntryJobCharge         = "job_charge"
	CreditEntryJobChargeRollover = "job_charge_rollover"
	CreditEntryRefund            = "refund"
	CreditEntryPurchase          = "purchase"
	CreditEntryRolloverGrant     = "rollover_grant"
)

// CreditEntry is one movement on a client's credit balances. Amount is
// signed: debits are negative.
type CreditEntry struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"userId"`
	JobID         *uuid.UUID `json:"jobId,omitempty"`
	EntryType     string     `json:"entryType"`
	Amount        int64      `json:"amount"`
	CreditsAfter  int64      `json:"creditsAfter"`
	RolloverAfter int64      `json:"rolloverAfter"`
	CreatedAt     time.Time  `json:"createdAt"`
}
