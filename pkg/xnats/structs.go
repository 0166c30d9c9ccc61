package xnats

// Event is a normalized inbound event from the webhook/bot adapter, already
// resolved to a trade identifier. EventID deduplicates provider redelivery.
type Event struct {
	EventID string                 `json:"eventID"`
	Kind    string                 `json:"kind"`
	TradeID string                 `json:"tradeID"`
	Actor   int64                  `json:"actor"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Inbound event kinds
const (
	EventDepositConfirmed = "deposit_confirmed" // payment provider / chain watcher webhook
	EventJoinTrade        = "join_trade"
	EventSubmitProof      = "submit_proof"
	EventApproveFiat      = "approve_fiat"
	EventRejectFiat       = "reject_fiat"
	EventSetBuyerAddress  = "set_buyer_address"
	EventRaiseDispute     = "raise_dispute"
	EventResolveDispute   = "resolve_dispute"
	EventCloseTrade       = "close_trade"
)

// Notification is an outbound directive. The adapter renders MessageKey with
// Context into user-facing text, the core never formats messages itself.
type Notification struct {
	Recipient  int64                  `json:"recipient"`
	MessageKey string                 `json:"messageKey"`
	Context    map[string]interface{} `json:"context,omitempty"`
}

// Message keys
const (
	MsgDepositConfirmed  = "trade.deposit_confirmed"
	MsgBuyerJoined       = "trade.buyer_joined"
	MsgProofSubmitted    = "trade.proof_submitted"
	MsgProofRejected     = "trade.proof_rejected"
	MsgNeedBuyerAddress  = "trade.need_buyer_address"
	MsgDisputeRaised     = "trade.dispute_raised"
	MsgDisputeResolved   = "trade.dispute_resolved"
	MsgTradeClosed       = "trade.closed"
	MsgFundsReleased     = "trade.funds_released"
	MsgFundsReceived     = "trade.funds_received"
	MsgSettlementStalled = "trade.settlement_stalled" // human escalation required
)
