// Package member is the reference domain: accounts holding money and a
// transfer between two of them that must apply both balance changes or
// neither.
package member

import (
	"github.com/nimburion/txbound/pkg/txbound"
)

// InvalidMemberID is rejected as a transfer destination. Transfers to it
// fail after the source has already been debited, which exercises rollback.
const InvalidMemberID = "ex"

// Member is one account.
type Member struct {
	ID    string `db:"member_id" json:"member_id"`
	Money int64  `db:"money" json:"money"`
}

func validateDestination(to *Member) error {
	if to.ID == InvalidMemberID {
		return &txbound.DomainValidationError{Field: "member_id", Value: to.ID, Reason: "transfer destination rejected"}
	}
	return nil
}

func validateAmount(from *Member, amount int64) error {
	if amount <= 0 {
		return &txbound.DomainValidationError{Field: "amount", Value: amount, Reason: "must be positive"}
	}
	if from.Money < amount {
		return &txbound.DomainValidationError{Field: "money", Value: from.Money, Reason: "insufficient funds"}
	}
	return nil
}
