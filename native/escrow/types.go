package escrow

import (
	"fmt"
	"math/big"
)

// EscrowStatus represents the lifecycle states of an escrow agreement.
type EscrowStatus uint8

const (
	// EscrowActive accepts milestone submissions and approvals.
	EscrowActive EscrowStatus = iota
	// EscrowDisputed pauses the whole escrow until the arbitrator resolves
	// the contested milestone. No other milestone may advance meanwhile.
	EscrowDisputed
	// EscrowCompleted is terminal: every unit of value has been released.
	EscrowCompleted
	// EscrowCancelled is declared for forward compatibility. No transition
	// currently reaches it.
	EscrowCancelled
)

// MilestoneStatus represents the state of an individual milestone.
type MilestoneStatus uint8

const (
	// MilestonePending indicates work has not been submitted yet.
	MilestonePending MilestoneStatus = iota
	// MilestoneSubmitted indicates the contractor has delivered and awaits
	// client approval.
	MilestoneSubmitted
	// MilestoneApproved is terminal for the milestone: funds were released.
	MilestoneApproved
	// MilestoneDisputed indicates the milestone is under arbitration.
	MilestoneDisputed
)

// Milestone captures a single unit of deliverable work within an escrow. The
// description and amount are fixed at creation; only the status flags change.
type Milestone struct {
	Description         string
	Amount              *big.Int
	Status              MilestoneStatus
	ClientApproved      bool
	ContractorSubmitted bool
}

// Clone returns a deep copy of the milestone to avoid callers mutating shared
// state.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Validate ensures the milestone fields are internally consistent prior to
// persistence.
func (m *Milestone) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: milestone must not be nil", ErrInvalidArgument)
	}
	if m.Amount == nil || m.Amount.Sign() < 0 {
		return fmt.Errorf("%w: milestone amount must be non-negative", ErrInvalidArgument)
	}
	if !m.Status.Valid() {
		return fmt.Errorf("%w: invalid milestone status %d", ErrInvalidState, m.Status)
	}
	if m.ClientApproved && m.Status != MilestoneApproved {
		return fmt.Errorf("%w: approved flag requires approved status", ErrInvalidState)
	}
	if m.ContractorSubmitted {
		switch m.Status {
		case MilestoneSubmitted, MilestoneDisputed, MilestoneApproved:
		default:
			return fmt.Errorf("%w: submitted flag requires submitted, disputed or approved status", ErrInvalidState)
		}
	}
	return nil
}

// Escrow aggregates the three designated roles, the milestone schedule and the
// running release ledger. The milestone list is fixed in length and order after
// creation.
type Escrow struct {
	ID             uint64
	Client         [20]byte
	Contractor     [20]byte
	Arbitrator     [20]byte
	TotalAmount    *big.Int
	ReleasedAmount *big.Int
	Status         EscrowStatus
	Milestones     []*Milestone
	CreatedAt      int64
}

// Clone returns a deep copy of the escrow object so callers can safely mutate
// the copy without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.TotalAmount != nil {
		clone.TotalAmount = new(big.Int).Set(e.TotalAmount)
	} else {
		clone.TotalAmount = big.NewInt(0)
	}
	if e.ReleasedAmount != nil {
		clone.ReleasedAmount = new(big.Int).Set(e.ReleasedAmount)
	} else {
		clone.ReleasedAmount = big.NewInt(0)
	}
	if len(e.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(e.Milestones))
		for i, ms := range e.Milestones {
			clone.Milestones[i] = ms.Clone()
		}
	}
	return &clone
}

// Valid reports whether the status value is within the supported range.
func (s EscrowStatus) Valid() bool {
	switch s {
	case EscrowActive, EscrowDisputed, EscrowCompleted, EscrowCancelled:
		return true
	default:
		return false
	}
}

// String renders the status for event payloads and RPC results.
func (s EscrowStatus) String() string {
	switch s {
	case EscrowActive:
		return "active"
	case EscrowDisputed:
		return "disputed"
	case EscrowCompleted:
		return "completed"
	case EscrowCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Valid reports whether the status value is within the supported range.
func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestonePending, MilestoneSubmitted, MilestoneApproved, MilestoneDisputed:
		return true
	default:
		return false
	}
}

// String renders the status for event payloads and RPC results.
func (s MilestoneStatus) String() string {
	switch s {
	case MilestonePending:
		return "pending"
	case MilestoneSubmitted:
		return "submitted"
	case MilestoneApproved:
		return "approved"
	case MilestoneDisputed:
		return "disputed"
	default:
		return "unknown"
	}
}

// SanitizeEscrow validates and normalises the supplied escrow record,
// returning a cloned instance with non-nil amounts. The function does not
// mutate the original value.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil escrow", ErrInvalidArgument)
	}
	clone := e.Clone()
	if clone.Client == ([20]byte{}) {
		return nil, fmt.Errorf("%w: client must not be the zero identity", ErrInvalidArgument)
	}
	if clone.Contractor == ([20]byte{}) {
		return nil, fmt.Errorf("%w: contractor must not be the zero identity", ErrInvalidArgument)
	}
	if clone.Arbitrator == ([20]byte{}) {
		return nil, fmt.Errorf("%w: arbitrator must not be the zero identity", ErrInvalidArgument)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("%w: invalid escrow status %d", ErrInvalidState, clone.Status)
	}
	if len(clone.Milestones) == 0 {
		return nil, fmt.Errorf("%w: escrow requires at least one milestone", ErrInvalidArgument)
	}
	sum := big.NewInt(0)
	for _, ms := range clone.Milestones {
		if err := ms.Validate(); err != nil {
			return nil, err
		}
		sum.Add(sum, ms.Amount)
	}
	if clone.TotalAmount.Cmp(sum) != 0 {
		return nil, fmt.Errorf("%w: total %s does not equal milestone sum %s", ErrAmountMismatch, clone.TotalAmount, sum)
	}
	if clone.ReleasedAmount.Sign() < 0 || clone.ReleasedAmount.Cmp(clone.TotalAmount) > 0 {
		return nil, fmt.Errorf("%w: released %s outside [0, %s]", ErrInvalidState, clone.ReleasedAmount, clone.TotalAmount)
	}
	return clone, nil
}
