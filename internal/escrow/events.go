package escrow

import (
	"context"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	EventTypeFulfilled    = "escrow.fulfilled"
	EventTypeReleased     = "escrow.released"
	EventTypeDisputed     = "escrow.disputed"
	EventTypeAgentInvited = "escrow.agent_invited"
	EventTypeResolved     = "escrow.resolved"
)

// Event describes a committed transition.
type Event struct {
	Type       string            `json:"type"`
	Caller     string            `json:"caller"`
	Status     Status            `json:"status"`
	OccurredAt time.Time         `json:"occurredAt"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives events after the transition has been persisted.
// Implementations must not block the caller on slow sinks for long and
// must not fail the operation; errors are theirs to report.
type Emitter interface {
	Emit(ctx context.Context, evt Event)
}

// NoopEmitter drops every event.
type NoopEmitter struct{}

func (NoopEmitter) Emit(context.Context, Event) {}

var eventTypes = map[Operation]string{
	OpConfirmFulfillment: EventTypeFulfilled,
	OpRelease:            EventTypeReleased,
	OpOpenDispute:        EventTypeDisputed,
	OpInviteAgent:        EventTypeAgentInvited,
	OpSendMoney:          EventTypeResolved,
}

func newEvent(op Operation, e *Escrow, caller string, now time.Time, payouts []Payout) Event {
	attrs := map[string]string{
		"token":          e.Token.Hex(),
		"address":        e.Address.Hex(),
		"seller":         e.Seller.Hex(),
		"buyer":          e.Buyer.Hex(),
		"contractAmount": e.ContractAmount.String(),
	}
	if !e.FulfilledAt.IsZero() {
		attrs["fulfilledAt"] = strconv.FormatInt(e.FulfilledAt.Unix(), 10)
	}
	if e.Agent != (common.Address{}) {
		attrs["agent"] = e.Agent.Hex()
	}
	for _, p := range payouts {
		attrs["paid."+p.Role.String()] = p.Amount.String()
	}
	return Event{
		Type:       eventTypes[op],
		Caller:     caller,
		Status:     e.Status,
		OccurredAt: now,
		Attributes: attrs,
	}
}
