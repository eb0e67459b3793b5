package events

import (
	"stakepool/core/types"
	"stakepool/crypto"
)

const (
	// TypeTransfer is emitted for every ledger balance movement.
	TypeTransfer = "transfer.token"
)

// Transfer captures a single token movement between two ledger accounts.
// Authorized is set when the debit was signed by a program authority rather
// than the account holder.
type Transfer struct {
	Asset      string
	From       crypto.Address
	To         crypto.Address
	Amount     uint64
	Authorized bool
}

func (Transfer) EventType() string { return TypeTransfer }

func (e Transfer) Event() *types.Event {
	attrs := map[string]string{}
	if asset := normalizeAsset(e.Asset); asset != "" {
		attrs["asset"] = asset
	}
	attrs["from"] = e.From.String()
	attrs["to"] = e.To.String()
	attrs["amount"] = formatAmount(e.Amount)
	if e.Authorized {
		attrs["signer"] = "program"
	} else {
		attrs["signer"] = "holder"
	}
	return &types.Event{Type: TypeTransfer, Attributes: attrs}
}
