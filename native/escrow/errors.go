package escrow

import "errors"

// Failure taxonomy surfaced by every ledger operation. RPC handlers map these
// to response codes; callers must not see partial state alongside any of them.
var (
	// ErrUnauthorized marks calls from an identity that does not hold the
	// role the operation requires.
	ErrUnauthorized = errors.New("escrow: unauthorized caller")
	// ErrInvalidReference marks an unknown escrow id or a milestone index
	// outside the schedule.
	ErrInvalidReference = errors.New("escrow: unknown escrow or milestone")
	// ErrInvalidState marks a record or milestone that is not in the state
	// the operation requires.
	ErrInvalidState = errors.New("escrow: invalid state for operation")
	// ErrAmountMismatch marks creation calls whose funded value does not
	// equal the milestone sum.
	ErrAmountMismatch = errors.New("escrow: funded amount does not equal milestone total")
	// ErrInvalidArgument marks malformed creation input.
	ErrInvalidArgument = errors.New("escrow: invalid argument")
	// ErrTransferFailed marks a failed external value movement. The whole
	// call, including provisional state changes, is discarded.
	ErrTransferFailed = errors.New("escrow: value transfer failed")
)
