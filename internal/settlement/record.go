package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zombor/splitpay/internal/lineitem"
)

// DefaultGroupName is used when a split is saved without a group name
const DefaultGroupName = "Split Group"

// Participant is a member of the group splitting a receipt.
// ContactID (a phone number) identifies the participant.
type Participant struct {
	DisplayName string `json:"display_name" validate:"required"`
	ContactID   string `json:"contact_id" validate:"required"`
}

// AllocationResult is what one participant owes across all line items
type AllocationResult struct {
	ContactID       string          `json:"contact_id"`
	DisplayName     string          `json:"display_name"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	ProductNames    []string        `json:"product_names"`
}

// Record is the persisted settlement of one split receipt.
// Status is the only field that changes after creation.
type Record struct {
	ID             string              `json:"id"`
	OwnerContactID string              `json:"owner_contact_id"`
	GroupName      string              `json:"group_name"`
	Participants   []Participant       `json:"participants"`
	LineItems      []lineitem.LineItem `json:"line_items"`
	Allocations    []AllocationResult  `json:"allocations"`
	TotalAmount    decimal.Decimal     `json:"total_amount"`
	ReceiptFile    string              `json:"receipt_file,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	Status         Status              `json:"status"`
}

// Analysis is the outcome of reading an uploaded bill.
// When Parsed is false the extractor output had no usable structure and only Raw is set.
type Analysis struct {
	ReceiptFile string              `json:"receipt_file"`
	Raw         string              `json:"raw"`
	Parsed      bool                `json:"parsed"`
	ShopName    string              `json:"shop_name,omitempty"`
	BillName    string              `json:"bill_name,omitempty"`
	LineItems   []lineitem.LineItem `json:"line_items"`
}
