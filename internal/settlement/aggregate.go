package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/splitpay/internal/allocation"
	"github.com/zombor/splitpay/internal/lineitem"
)

// Aggregate folds the per line item shares of a ready session into one result per
// participant. Results follow the order of participants and leave out anyone with nothing
// assigned. Product names are appended in line item order.
func Aggregate(items []lineitem.LineItem, session allocation.Session, participants []Participant) ([]AllocationResult, decimal.Decimal, error) {
	if !session.Ready(items) {
		return nil, decimal.Zero, invalid("assignments", "every line item needs at least one participant")
	}

	known := make(map[string]bool, len(participants))
	for _, p := range participants {
		known[p.ContactID] = true
	}

	totals := make(map[string]decimal.Decimal)
	products := make(map[string][]string)
	for _, share := range session.Shares(items) {
		if !known[share.Participant] {
			return nil, decimal.Zero, invalid("assignments", "participant %q is not in the group", share.Participant)
		}
		totals[share.Participant] = totals[share.Participant].Add(share.Amount)
		products[share.Participant] = append(products[share.Participant], items[share.Item].Name)
	}

	results := make([]AllocationResult, 0, len(totals))
	total := decimal.Zero
	for _, p := range participants {
		amount, ok := totals[p.ContactID]
		if !ok {
			continue
		}
		results = append(results, AllocationResult{
			ContactID:       p.ContactID,
			DisplayName:     p.DisplayName,
			AllocatedAmount: amount.Round(2),
			ProductNames:    products[p.ContactID],
		})
		total = total.Add(amount)
	}

	return results, total.Round(2), nil
}

// draft is everything needed to build a new pending record
type draft struct {
	ID             string
	OwnerContactID string
	GroupName      string
	Participants   []Participant
	LineItems      []lineitem.LineItem
	Allocations    []AllocationResult
	TotalAmount    decimal.Decimal
	ReceiptFile    string
	CreatedAt      time.Time
}

// newPendingRecord builds the record as it is first stored
func newPendingRecord(d draft) *Record {
	groupName := d.GroupName
	if groupName == "" {
		groupName = DefaultGroupName
	}
	return &Record{
		ID:             d.ID,
		OwnerContactID: d.OwnerContactID,
		GroupName:      groupName,
		Participants:   d.Participants,
		LineItems:      d.LineItems,
		Allocations:    d.Allocations,
		TotalAmount:    d.TotalAmount,
		ReceiptFile:    d.ReceiptFile,
		CreatedAt:      d.CreatedAt,
		Status:         StatusPending,
	}
}
