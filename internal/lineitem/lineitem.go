package lineitem

import (
	"errors"

	"github.com/shopspring/decimal"
)

const (
	// DefaultShopName is used when the extractor did not name the shop
	DefaultShopName = "Receipt Analysis"
	// DefaultBillName is used when the extractor did not name the bill
	DefaultBillName = "Receipt"
)

// ErrMalformedExtraction is returned when the extractor output contains no decodable line items
var ErrMalformedExtraction = errors.New("malformed extraction")

// LineItem is one product/price pair from a receipt
type LineItem struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
}

// Shape identifies which layout the extractor returned
type Shape string

const (
	ShapeArray  Shape = "array"
	ShapeObject Shape = "object"
)

// Extraction is the structured result of parsing extractor output
type Extraction struct {
	Shape    Shape      `json:"shape"`
	ShopName string     `json:"shop_name"`
	BillName string     `json:"bill_name"`
	Items    []LineItem `json:"line_items"`
}

// Total returns the sum of all line item amounts
func Total(items []LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Amount)
	}
	return total
}
