package allocation

import (
	"github.com/shopspring/decimal"

	"github.com/zombor/splitpay/internal/lineitem"
)

var oneCent = decimal.New(1, -2)

// Share is one participant's part of one line item
type Share struct {
	Item        int
	Participant string
	Amount      decimal.Decimal
}

// Split divides amount into k equal shares of whole cents.
//
// The amount is rounded half-up to cents first. Every share gets floor(cents/k); the
// cents left over are handed out one each to the last shares, so 100.00 split three ways
// is 33.33, 33.33, 33.34 and the shares always sum to the rounded amount.
func Split(amount decimal.Decimal, k int) []decimal.Decimal {
	if k <= 0 {
		return nil
	}
	cents := amount.Round(2).Shift(2).IntPart()
	base := cents / int64(k)
	remainder := int(cents % int64(k))

	shares := make([]decimal.Decimal, k)
	for i := range shares {
		c := base
		if i >= k-remainder {
			c++
		}
		shares[i] = decimal.New(c, -2)
	}
	return shares
}

// Shares computes every participant's share of every assigned line item, ordered by line
// item and then by slot. Unassigned line items contribute nothing.
func (s Session) Shares(items []lineitem.LineItem) []Share {
	var shares []Share
	for item, li := range items {
		assigned := s.Assigned(item)
		if len(assigned) == 0 {
			continue
		}
		for i, amount := range Split(li.Amount, len(assigned)) {
			shares = append(shares, Share{
				Item:        item,
				Participant: assigned[i],
				Amount:      amount,
			})
		}
	}
	return shares
}
