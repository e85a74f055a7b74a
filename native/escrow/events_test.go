package escrow

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestCreatedEventPayload(t *testing.T) {
	esc := validEscrow()
	evt := NewCreatedEvent(esc)
	if evt.Type != EventTypeEscrowCreated {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["escrowId"] != "7" {
		t.Fatalf("unexpected escrowId: %s", evt.Attributes["escrowId"])
	}
	if evt.Attributes["client"] != hex.EncodeToString(esc.Client[:]) {
		t.Fatalf("unexpected client: %s", evt.Attributes["client"])
	}
	if evt.Attributes["contractor"] != hex.EncodeToString(esc.Contractor[:]) {
		t.Fatalf("unexpected contractor: %s", evt.Attributes["contractor"])
	}
	if evt.Attributes["totalAmount"] != "30" {
		t.Fatalf("unexpected totalAmount: %s", evt.Attributes["totalAmount"])
	}
}

func TestMilestoneEventPayloads(t *testing.T) {
	esc := validEscrow()
	submitted := NewMilestoneSubmittedEvent(esc, 1)
	if submitted.Type != EventTypeMilestoneSubmitted || submitted.Attributes["index"] != "1" {
		t.Fatalf("unexpected submitted event: %+v", submitted)
	}
	approved := NewMilestoneApprovedEvent(esc, 1, big.NewInt(20))
	if approved.Attributes["amount"] != "20" {
		t.Fatalf("unexpected approved amount: %s", approved.Attributes["amount"])
	}
	released := NewFundsReleasedEvent(esc, big.NewInt(20))
	if released.Attributes["contractor"] != hex.EncodeToString(esc.Contractor[:]) {
		t.Fatalf("unexpected released contractor: %s", released.Attributes["contractor"])
	}
	if released.Attributes["amount"] != "20" {
		t.Fatalf("unexpected released amount: %s", released.Attributes["amount"])
	}
}

func TestDisputeEventPayloads(t *testing.T) {
	esc := validEscrow()
	raised := NewDisputeRaisedEvent(esc, 0)
	if raised.Type != EventTypeDisputeRaised || raised.Attributes["index"] != "0" {
		t.Fatalf("unexpected raised event: %+v", raised)
	}
	resolved := NewDisputeResolvedEvent(esc, 0, true)
	if resolved.Attributes["approved"] != "true" {
		t.Fatalf("unexpected approved attribute: %s", resolved.Attributes["approved"])
	}
	resolved = NewDisputeResolvedEvent(esc, 0, false)
	if resolved.Attributes["approved"] != "false" {
		t.Fatalf("unexpected approved attribute: %s", resolved.Attributes["approved"])
	}
}

func TestEventConstructorsTolerateNilEscrow(t *testing.T) {
	for _, evt := range []struct {
		name    string
		payload map[string]string
	}{
		{NewCreatedEvent(nil).Type, NewCreatedEvent(nil).Attributes},
		{NewFundsReleasedEvent(nil, nil).Type, NewFundsReleasedEvent(nil, nil).Attributes},
	} {
		if evt.name == "" || evt.payload == nil {
			t.Fatalf("nil escrow should still yield a typed event with attributes")
		}
	}
}
