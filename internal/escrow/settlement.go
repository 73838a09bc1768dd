package escrow

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	minAgentFeePercent = 1
	maxAgentFeePercent = 3
)

// Split is the agent's ruling on how the custodied balance is divided.
type Split struct {
	AgentFeePercent  uint32 `json:"agentFeePercent"`
	BuyerFeePercent  uint32 `json:"buyerFeePercent"`
	SellerFeePercent uint32 `json:"sellerFeePercent"`
}

// Validate checks the agent bound first and the total second.
func (s Split) Validate() error {
	if s.AgentFeePercent < minAgentFeePercent || s.AgentFeePercent > maxAgentFeePercent {
		return invalidPercent(msgAgentFeeRange)
	}
	total := uint64(s.AgentFeePercent) + uint64(s.BuyerFeePercent) + uint64(s.SellerFeePercent)
	if total != 100 {
		return invalidPercent(msgPercentSum)
	}
	return nil
}

// Payout is a single outbound transfer from the custody account.
type Payout struct {
	Role   Role           `json:"role"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// Shares divides balance by the split. Each share is floor(balance*p/100)
// computed independently; whatever the truncation leaves stays in custody.
func (s Split) Shares(balance *big.Int, agent, buyer, seller common.Address) []Payout {
	return []Payout{
		{Role: RoleAgent, To: agent, Amount: percentOf(balance, s.AgentFeePercent)},
		{Role: RoleBuyer, To: buyer, Amount: percentOf(balance, s.BuyerFeePercent)},
		{Role: RoleSeller, To: seller, Amount: percentOf(balance, s.SellerFeePercent)},
	}
}

func percentOf(v *big.Int, pct uint32) *big.Int {
	out := new(big.Int).Mul(cloneBigInt(v), new(big.Int).SetUint64(uint64(pct)))
	return out.Quo(out, big.NewInt(100))
}

// TotalPaid sums the payout amounts.
func TotalPaid(payouts []Payout) *big.Int {
	total := big.NewInt(0)
	for _, p := range payouts {
		if p.Amount != nil {
			total.Add(total, p.Amount)
		}
	}
	return total
}

// Settlement is a payout the engine has committed to but not finished. It is
// stored before the first leg leaves custody; the escrow keeps its previous
// status until every leg is paid.
type Settlement struct {
	Operation Operation      `json:"operation"`
	Status    Status         `json:"status"`
	Caller    common.Address `json:"caller"`
	Payouts   []Payout       `json:"payouts"`
	Balance   *big.Int       `json:"balance"`
	Paid      int            `json:"paid"`
	StartedAt time.Time      `json:"startedAt"`
}

// Remaining are the legs not yet paid.
func (s *Settlement) Remaining() []Payout {
	return s.Payouts[s.Paid:]
}

// settledLegs works out how many legs have left custody by matching the
// current custody balance against the balance before each leg. A balance
// matching no leg, such as after an outside deposit, keeps the recorded count.
func (s *Settlement) settledLegs(custody *big.Int) int {
	expected := cloneBigInt(s.Balance)
	settled := s.Paid
	for i := 0; i <= len(s.Payouts); i++ {
		if i > 0 {
			expected.Sub(expected, s.Payouts[i-1].Amount)
		}
		if i >= s.Paid && expected.Cmp(custody) == 0 {
			settled = i
		}
	}
	return settled
}

func (s *Settlement) validate() error {
	if !s.Status.Valid() {
		return errors.New("pending settlement has invalid target status")
	}
	if s.Balance == nil || s.Balance.Sign() < 0 {
		return errors.New("pending settlement has no starting balance")
	}
	if s.Paid < 0 || s.Paid > len(s.Payouts) {
		return errors.New("pending settlement paid count out of range")
	}
	for _, p := range s.Payouts {
		if p.Amount == nil || p.Amount.Sign() <= 0 {
			return errors.New("pending settlement has a non-positive leg")
		}
	}
	return nil
}

func (s *Settlement) clone() *Settlement {
	if s == nil {
		return nil
	}
	c := *s
	c.Balance = cloneBigInt(s.Balance)
	c.Payouts = make([]Payout, len(s.Payouts))
	for i, p := range s.Payouts {
		c.Payouts[i] = Payout{Role: p.Role, To: p.To, Amount: cloneBigInt(p.Amount)}
	}
	return &c
}
