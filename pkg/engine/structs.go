package engine

import "errors"

// Transition failure taxonomy. Every precondition violation maps to exactly
// one of these, and no mutation happens on failure.
var (
	ErrInvalidTransition    = errors.New("invalid transition for current trade status")
	ErrNotAuthorized        = errors.New("actor not authorized for this transition")
	ErrTradeNotFound        = errors.New("trade not found")
	ErrAlreadyInTargetState = errors.New("trade already in target state")

	ErrBadAmount     = errors.New("principal must be positive")
	ErrBadVerdict    = errors.New("unknown dispute verdict")
	ErrNoEscrow      = errors.New("no escrow wallet for trade")
	ErrNoJournal     = errors.New("journal not opened")
	ErrProofAttached = errors.New("payment proof already attached")
)

// AlreadyDone reports whether err is the idempotent-redelivery case, which
// callers treat as success.
func AlreadyDone(err error) bool {
	return errors.Is(err, ErrAlreadyInTargetState)
}

// TransitionLog is one journal line, written after a transition applies.
type TransitionLog struct {
	LogID      int64  `json:"logID"`
	Ts         int64  `json:"ts"`
	TradeID    string `json:"tradeID"`
	Asset      string `json:"asset"`
	Actor      int64  `json:"actor"`
	Op         string `json:"op"`
	FromStatus int8   `json:"fromStatus"`
	ToStatus   int8   `json:"toStatus"`
}
