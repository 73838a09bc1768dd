package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Role is the relationship of a caller to the escrow.
type Role uint8

const (
	RoleNone Role = iota
	RoleSeller
	RoleBuyer
	RoleAgent
)

func (r Role) String() string {
	switch r {
	case RoleSeller:
		return "seller"
	case RoleBuyer:
		return "buyer"
	case RoleAgent:
		return "agent"
	default:
		return "none"
	}
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "seller":
		*r = RoleSeller
	case "buyer":
		*r = RoleBuyer
	case "agent":
		*r = RoleAgent
	case "none", "":
		*r = RoleNone
	default:
		return fmt.Errorf("unknown role %q", text)
	}
	return nil
}

// Operation names a state-mutating escrow call.
type Operation string

const (
	OpConfirmFulfillment Operation = "confirm_fulfillment"
	OpRelease            Operation = "release"
	OpOpenDispute        Operation = "open_dispute"
	OpInviteAgent        Operation = "invite_agent"
	OpSendMoney          Operation = "send_money"
)

// Operations lists every state-mutating call in a stable order.
var Operations = []Operation{OpConfirmFulfillment, OpRelease, OpOpenDispute, OpInviteAgent, OpSendMoney}

type rule struct {
	allowed []Role
	denied  string
}

var policy = map[Operation]rule{
	OpConfirmFulfillment: {allowed: []Role{RoleSeller}, denied: msgOnlySeller},
	OpRelease:            {allowed: []Role{RoleSeller, RoleBuyer}, denied: msgOnlySellerOrBuyer},
	OpOpenDispute:        {allowed: []Role{RoleBuyer}, denied: msgOnlyBuyer},
	OpInviteAgent:        {allowed: []Role{RoleSeller, RoleBuyer}, denied: msgOnlySellerOrBuyer},
	OpSendMoney:          {allowed: []Role{RoleAgent}, denied: msgOnlyAgent},
}

// Authorize returns nil when role may invoke op and an AccessDenied error
// otherwise. It looks at nothing but the rule table.
func Authorize(op Operation, role Role) error {
	r, ok := policy[op]
	if !ok {
		return accessDenied("unknown operation " + string(op))
	}
	for _, a := range r.allowed {
		if a == role {
			return nil
		}
	}
	return accessDenied(r.denied)
}

// RoleOf resolves the caller against the escrow participants. The configured
// agent identity resolves to RoleAgent before it is invited so that its
// calls fail on state rather than on role.
func (e *Escrow) RoleOf(caller common.Address) Role {
	if caller == (common.Address{}) {
		return RoleNone
	}
	switch caller {
	case e.Seller:
		return RoleSeller
	case e.Buyer:
		return RoleBuyer
	case e.AgentIdentity:
		return RoleAgent
	}
	return RoleNone
}
