package escrow

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"escrowd/core/types"
)

const (
	EventTypeEscrowCreated      = "escrow.created"
	EventTypeMilestoneSubmitted = "escrow.milestone_submitted"
	EventTypeMilestoneApproved  = "escrow.milestone_approved"
	EventTypeFundsReleased      = "escrow.funds_released"
	EventTypeDisputeRaised      = "escrow.dispute_raised"
	EventTypeDisputeResolved    = "escrow.dispute_resolved"
)

// NewCreatedEvent returns the canonical event payload for a newly created
// escrow.
func NewCreatedEvent(e *Escrow) *types.Event {
	attrs := baseAttributes(e)
	if e != nil {
		attrs["client"] = hex.EncodeToString(e.Client[:])
		attrs["contractor"] = hex.EncodeToString(e.Contractor[:])
		if e.TotalAmount != nil {
			attrs["totalAmount"] = e.TotalAmount.String()
		}
	}
	return &types.Event{Type: EventTypeEscrowCreated, Attributes: attrs}
}

// NewMilestoneSubmittedEvent returns the payload emitted when the contractor
// submits a milestone.
func NewMilestoneSubmittedEvent(e *Escrow, index uint64) *types.Event {
	attrs := baseAttributes(e)
	attrs["index"] = strconv.FormatUint(index, 10)
	return &types.Event{Type: EventTypeMilestoneSubmitted, Attributes: attrs}
}

// NewMilestoneApprovedEvent returns the payload emitted when the client
// approves a submitted milestone.
func NewMilestoneApprovedEvent(e *Escrow, index uint64, amount *big.Int) *types.Event {
	attrs := baseAttributes(e)
	attrs["index"] = strconv.FormatUint(index, 10)
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: EventTypeMilestoneApproved, Attributes: attrs}
}

// NewFundsReleasedEvent returns the payload emitted whenever collateral is
// paid out to the contractor.
func NewFundsReleasedEvent(e *Escrow, amount *big.Int) *types.Event {
	attrs := baseAttributes(e)
	if e != nil {
		attrs["contractor"] = hex.EncodeToString(e.Contractor[:])
	}
	if amount != nil {
		attrs["amount"] = amount.String()
	}
	return &types.Event{Type: EventTypeFundsReleased, Attributes: attrs}
}

// NewDisputeRaisedEvent returns the payload emitted when a submitted milestone
// is contested.
func NewDisputeRaisedEvent(e *Escrow, index uint64) *types.Event {
	attrs := baseAttributes(e)
	attrs["index"] = strconv.FormatUint(index, 10)
	return &types.Event{Type: EventTypeDisputeRaised, Attributes: attrs}
}

// NewDisputeResolvedEvent returns the payload emitted when the arbitrator rules
// on a disputed milestone.
func NewDisputeResolvedEvent(e *Escrow, index uint64, approved bool) *types.Event {
	attrs := baseAttributes(e)
	attrs["index"] = strconv.FormatUint(index, 10)
	attrs["approved"] = strconv.FormatBool(approved)
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}
}

func baseAttributes(e *Escrow) map[string]string {
	attrs := make(map[string]string)
	if e == nil {
		return attrs
	}
	attrs["escrowId"] = strconv.FormatUint(e.ID, 10)
	attrs["status"] = e.Status.String()
	return attrs
}
