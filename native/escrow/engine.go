package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"escrowd/core/events"
	"escrowd/core/types"
)

var errNilState = errors.New("escrow engine: state not configured")

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(id uint64) (*Escrow, bool)
	EscrowNextID() (uint64, error)
	EscrowCounter() (uint64, error)
	EscrowCredit(id uint64, amt *big.Int) error
	EscrowDebit(id uint64, amt *big.Int) error
	EscrowBalance(id uint64) (*big.Int, error)
	EscrowVaultAddress() ([20]byte, error)
	GetAccount(addr []byte) (*types.Account, error)
	PutAccount(addr []byte, account *types.Account) error
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// operation identifies a mutating ledger entry point for authorization.
type operation uint8

const (
	opSubmit operation = iota + 1
	opApprove
	opDispute
	opResolve
)

// Engine wires the milestone escrow state machine with external state and
// event emitters. Every operation runs under a single mutex so callers observe
// either the full effect of a call or none of it.
type Engine struct {
	mu      sync.Mutex
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func ensureAccount(acc *types.Account) *types.Account {
	if acc == nil {
		return &types.Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return nil, fmt.Errorf("%w: escrow %d", ErrInvalidReference, id)
	}
	return esc, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.EscrowPut(esc)
}

// authorize is the single role gate shared by every mutating operation. It
// checks only identity, never state; state preconditions stay with each
// transition.
func (e *Engine) authorize(op operation, esc *Escrow, caller [20]byte) error {
	if esc == nil {
		return fmt.Errorf("%w: nil escrow", ErrInvalidReference)
	}
	switch op {
	case opSubmit:
		if caller != esc.Contractor {
			return fmt.Errorf("%w: submit requires the contractor", ErrUnauthorized)
		}
	case opApprove:
		if caller != esc.Client {
			return fmt.Errorf("%w: approve requires the client", ErrUnauthorized)
		}
	case opDispute:
		if caller != esc.Client && caller != esc.Contractor {
			return fmt.Errorf("%w: dispute requires the client or contractor", ErrUnauthorized)
		}
	case opResolve:
		if caller != esc.Arbitrator {
			return fmt.Errorf("%w: resolve requires the arbitrator", ErrUnauthorized)
		}
	default:
		return fmt.Errorf("%w: unknown operation %d", ErrInvalidArgument, op)
	}
	return nil
}

func milestoneAt(esc *Escrow, index uint64) (*Milestone, error) {
	if esc == nil || index >= uint64(len(esc.Milestones)) {
		return nil, fmt.Errorf("%w: milestone index %d out of range", ErrInvalidReference, index)
	}
	ms := esc.Milestones[index]
	if ms == nil {
		return nil, fmt.Errorf("%w: milestone index %d out of range", ErrInvalidReference, index)
	}
	return ms, nil
}

func (e *Engine) transferValue(from, to [20]byte, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer amount", ErrInvalidArgument)
	}
	fromAcc, err := e.state.GetAccount(from[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	toAcc, err := e.state.GetAccount(to[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	fromAcc = ensureAccount(fromAcc)
	toAcc = ensureAccount(toAcc)
	if fromAcc.Balance.Cmp(amt) < 0 {
		return fmt.Errorf("%w: insufficient balance", ErrTransferFailed)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := e.state.PutAccount(from[:], fromAcc); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.PutAccount(to[:], toAcc); err != nil {
		// Best effort: put the debited value back so the sender is whole.
		fromAcc.Balance = new(big.Int).Add(fromAcc.Balance, amt)
		if restoreErr := e.state.PutAccount(from[:], fromAcc); restoreErr != nil {
			return errors.Join(fmt.Errorf("%w: %v", ErrTransferFailed, err), restoreErr)
		}
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

// payOut debits the escrow collateral and pays the contractor. The debit is
// undone if the account transfer does not go through.
func (e *Engine) payOut(esc *Escrow, amount *big.Int) error {
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.state.EscrowDebit(esc.ID, amt); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.transferValue(vault, esc.Contractor, amt); err != nil {
		if creditErr := e.state.EscrowCredit(esc.ID, amt); creditErr != nil {
			return errors.Join(err, creditErr)
		}
		return err
	}
	return nil
}

// fullyReleased reports whether the escrow has disbursed every unit and no
// milestone is still awaiting client or arbitrator action.
func fullyReleased(esc *Escrow) bool {
	if esc == nil || esc.ReleasedAmount == nil || esc.TotalAmount == nil {
		return false
	}
	if esc.ReleasedAmount.Cmp(esc.TotalAmount) != 0 {
		return false
	}
	for _, ms := range esc.Milestones {
		if ms == nil {
			continue
		}
		if ms.Status == MilestoneSubmitted || ms.Status == MilestoneDisputed {
			return false
		}
	}
	return true
}

// Create validates the milestone schedule, moves the funded value from the
// caller into the collateral vault and persists a new escrow. The caller
// becomes the escrow's client. Creation is all-or-nothing: any precondition
// failure leaves no record behind.
func (e *Engine) Create(caller, contractor, arbitrator [20]byte, descriptions []string, amounts []*big.Int, funded *big.Int) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	if caller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: client must not be the zero identity", ErrInvalidArgument)
	}
	if contractor == ([20]byte{}) {
		return nil, fmt.Errorf("%w: contractor must not be the zero identity", ErrInvalidArgument)
	}
	if arbitrator == ([20]byte{}) {
		return nil, fmt.Errorf("%w: arbitrator must not be the zero identity", ErrInvalidArgument)
	}
	if len(descriptions) == 0 {
		return nil, fmt.Errorf("%w: at least one milestone required", ErrInvalidArgument)
	}
	if len(descriptions) != len(amounts) {
		return nil, fmt.Errorf("%w: %d descriptions but %d amounts", ErrInvalidArgument, len(descriptions), len(amounts))
	}
	total := big.NewInt(0)
	milestones := make([]*Milestone, len(descriptions))
	for i, desc := range descriptions {
		amt := amounts[i]
		if amt == nil || amt.Sign() < 0 {
			return nil, fmt.Errorf("%w: milestone %d amount must be non-negative", ErrInvalidArgument, i)
		}
		total.Add(total, amt)
		milestones[i] = &Milestone{
			Description: desc,
			Amount:      new(big.Int).Set(amt),
			Status:      MilestonePending,
		}
	}
	if funded == nil || funded.Cmp(total) != 0 {
		return nil, fmt.Errorf("%w: funded %s, milestone total %s", ErrAmountMismatch, funded, total)
	}
	vault, err := e.state.EscrowVaultAddress()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	if err := e.transferValue(caller, vault, total); err != nil {
		return nil, err
	}
	id, err := e.state.EscrowNextID()
	if err != nil {
		return nil, err
	}
	esc := &Escrow{
		ID:             id,
		Client:         caller,
		Contractor:     contractor,
		Arbitrator:     arbitrator,
		TotalAmount:    total,
		ReleasedAmount: big.NewInt(0),
		Status:         EscrowActive,
		Milestones:     milestones,
		CreatedAt:      e.now(),
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowCredit(id, total); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Submit marks a pending milestone as delivered by the contractor.
func (e *Engine) Submit(id uint64, caller [20]byte, index uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(opSubmit, esc, caller); err != nil {
		return err
	}
	if esc.Status != EscrowActive {
		return fmt.Errorf("%w: escrow %d is %s, not active", ErrInvalidState, id, esc.Status)
	}
	ms, err := milestoneAt(esc, index)
	if err != nil {
		return err
	}
	if ms.Status != MilestonePending {
		return fmt.Errorf("%w: milestone %d is %s, not pending", ErrInvalidState, index, ms.Status)
	}
	ms.Status = MilestoneSubmitted
	ms.ContractorSubmitted = true
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewMilestoneSubmittedEvent(esc, index))
	return nil
}

// Approve releases a submitted milestone's funds to the contractor. Status
// flags and the release ledger are persisted before the outbound transfer is
// attempted; a failed transfer restores the prior record so funds and status
// never diverge.
func (e *Engine) Approve(id uint64, caller [20]byte, index uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(opApprove, esc, caller); err != nil {
		return err
	}
	if esc.Status != EscrowActive {
		return fmt.Errorf("%w: escrow %d is %s, not active", ErrInvalidState, id, esc.Status)
	}
	ms, err := milestoneAt(esc, index)
	if err != nil {
		return err
	}
	if ms.Status != MilestoneSubmitted {
		return fmt.Errorf("%w: milestone %d is %s, not submitted", ErrInvalidState, index, ms.Status)
	}
	snapshot := esc.Clone()
	amount := cloneBigInt(ms.Amount)
	ms.Status = MilestoneApproved
	ms.ClientApproved = true
	esc.ReleasedAmount = new(big.Int).Add(esc.ReleasedAmount, amount)
	if fullyReleased(esc) {
		esc.Status = EscrowCompleted
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if err := e.payOut(esc, amount); err != nil {
		if restoreErr := e.storeEscrow(snapshot); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	e.emit(NewMilestoneApprovedEvent(esc, index, amount))
	e.emit(NewFundsReleasedEvent(esc, amount))
	return nil
}

// Dispute contests a submitted milestone. The whole escrow pauses until the
// arbitrator rules: no other milestone may be submitted or approved meanwhile.
func (e *Engine) Dispute(id uint64, caller [20]byte, index uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(opDispute, esc, caller); err != nil {
		return err
	}
	if esc.Status != EscrowActive {
		return fmt.Errorf("%w: escrow %d is %s, not active", ErrInvalidState, id, esc.Status)
	}
	ms, err := milestoneAt(esc, index)
	if err != nil {
		return err
	}
	if ms.Status != MilestoneSubmitted {
		return fmt.Errorf("%w: milestone %d is %s, not submitted", ErrInvalidState, index, ms.Status)
	}
	ms.Status = MilestoneDisputed
	esc.Status = EscrowDisputed
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	e.emit(NewDisputeRaisedEvent(esc, index))
	return nil
}

// Resolve settles a disputed milestone according to the arbitrator's ruling.
// Approving pays the contractor as a normal approval would; rejecting reverts
// the milestone to pending so the contractor may resubmit. Either way the
// escrow returns to active.
func (e *Engine) Resolve(id uint64, caller [20]byte, index uint64, approvePayment bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return err
	}
	if err := e.authorize(opResolve, esc, caller); err != nil {
		return err
	}
	if esc.Status != EscrowDisputed {
		return fmt.Errorf("%w: escrow %d is %s, no active dispute", ErrInvalidState, id, esc.Status)
	}
	ms, err := milestoneAt(esc, index)
	if err != nil {
		return err
	}
	if ms.Status != MilestoneDisputed {
		return fmt.Errorf("%w: milestone %d is %s, not disputed", ErrInvalidState, index, ms.Status)
	}
	if !approvePayment {
		ms.Status = MilestonePending
		ms.ContractorSubmitted = false
		esc.Status = EscrowActive
		if err := e.storeEscrow(esc); err != nil {
			return err
		}
		e.emit(NewDisputeResolvedEvent(esc, index, false))
		return nil
	}
	snapshot := esc.Clone()
	amount := cloneBigInt(ms.Amount)
	ms.Status = MilestoneApproved
	ms.ClientApproved = true
	esc.ReleasedAmount = new(big.Int).Add(esc.ReleasedAmount, amount)
	esc.Status = EscrowActive
	if fullyReleased(esc) {
		esc.Status = EscrowCompleted
	}
	if err := e.storeEscrow(esc); err != nil {
		return err
	}
	if err := e.payOut(esc, amount); err != nil {
		if restoreErr := e.storeEscrow(snapshot); restoreErr != nil {
			return errors.Join(err, restoreErr)
		}
		return err
	}
	e.emit(NewFundsReleasedEvent(esc, amount))
	e.emit(NewDisputeResolvedEvent(esc, index, true))
	return nil
}

// Get returns a snapshot of the escrow record.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadEscrow(id)
}

// GetMilestone returns the full field set of a single milestone.
func (e *Engine) GetMilestone(id uint64, index uint64) (*Milestone, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	ms, err := milestoneAt(esc, index)
	if err != nil {
		return nil, err
	}
	return ms.Clone(), nil
}

// MilestoneCount returns the number of milestones in an escrow. Unknown
// identifiers report zero rather than an error, mirroring a default-initialised
// registry entry.
func (e *Engine) MilestoneCount(id uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return 0, errNilState
	}
	esc, ok := e.state.EscrowGet(id)
	if !ok {
		return 0, nil
	}
	return uint64(len(esc.Milestones)), nil
}

// NextID reports the identifier the next created escrow will receive.
func (e *Engine) NextID() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return 0, errNilState
	}
	return e.state.EscrowCounter()
}

// Collateral reports the undisbursed value the ledger still holds for an
// escrow.
func (e *Engine) Collateral(id uint64) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return nil, errNilState
	}
	if _, ok := e.state.EscrowGet(id); !ok {
		return nil, fmt.Errorf("%w: escrow %d", ErrInvalidReference, id)
	}
	return e.state.EscrowBalance(id)
}
