package scanning

import "context"

// Scanner turns a bill image into the model's free-form answer. The answer is returned
// as is; turning it into line items is the caller's job.
type Scanner interface {
	// Scan sends the bill to the model and returns the text of its answer
	Scan(ctx context.Context, data []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}

// billScanPrompt is the shared prompt used by every model backend
const billScanPrompt = `Extract all product names and their prices from this receipt.

Return JSON in this shape:
{
  "shopName": "Name of the shop or restaurant",
  "billName": "Short description of the bill",
  "products": [
    { "product": "Item name", "price": "amount" }
  ]
}

If you cannot find the shop or bill name, return only the products array:
[
  { "product": "Item name", "price": "amount" }
]

Important:
- List every purchased line, one entry per line on the receipt
- The price is the line total as printed, including any currency symbol
- Do not include subtotals, taxes, tips or the grand total as products`

// systemPrompt sets the role for chat-style backends
const systemPrompt = "You read receipts and list their line items accurately."
