package lineitem

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// numericToken matches digits with at most one decimal point
var numericToken = regexp.MustCompile(`\d+(?:\.\d+)?|\.\d+`)

// record is a single product entry as returned by the extractor
type record struct {
	Product string          `json:"product"`
	Price   json.RawMessage `json:"price"`
}

// envelope is the object layout with optional shop metadata
type envelope struct {
	ShopName string   `json:"shopName"`
	BillName string   `json:"billName"`
	Products []record `json:"products"`
}

// Parse extracts line items from free-form extractor output.
//
// The text may wrap either a bare array of {product, price} records or an object with a
// nested products array plus shopName/billName. If neither can be decoded the returned
// error wraps ErrMalformedExtraction and the caller should show the raw text instead.
func Parse(raw string) (*Extraction, error) {
	text := stripCodeFence(raw)

	arrStart, arrEnd := strings.Index(text, "["), strings.LastIndex(text, "]")
	objStart, objEnd := strings.Index(text, "{"), strings.LastIndex(text, "}")
	hasArray := arrStart != -1 && arrEnd > arrStart
	hasObject := objStart != -1 && objEnd > objStart

	if hasArray {
		if ext, err := decodeArray(text[arrStart : arrEnd+1]); err == nil {
			// An object wrapping the array still carries the shop metadata
			if hasObject && objStart < arrStart && objEnd > arrEnd {
				ext.ShopName, ext.BillName = metadataFrom(text[objStart : objEnd+1])
			}
			return ext, nil
		}
	}

	if hasObject {
		ext, err := decodeObject(text[objStart : objEnd+1])
		if err == nil {
			return ext, nil
		}
		return nil, fmt.Errorf("%w: decoding object: %v", ErrMalformedExtraction, err)
	}

	return nil, fmt.Errorf("%w: no JSON array or object found", ErrMalformedExtraction)
}

func decodeArray(fragment string) (*Extraction, error) {
	var records []record
	if err := json.Unmarshal([]byte(fragment), &records); err != nil {
		return nil, fmt.Errorf("unmarshaling array: %w", err)
	}
	return &Extraction{
		Shape:    ShapeArray,
		ShopName: DefaultShopName,
		BillName: DefaultBillName,
		Items:    toLineItems(records),
	}, nil
}

func decodeObject(fragment string) (*Extraction, error) {
	var env envelope
	if err := json.Unmarshal([]byte(fragment), &env); err != nil {
		return nil, fmt.Errorf("unmarshaling object: %w", err)
	}

	ext := &Extraction{
		Shape:    ShapeObject,
		ShopName: strings.TrimSpace(env.ShopName),
		BillName: strings.TrimSpace(env.BillName),
		Items:    toLineItems(env.Products),
	}
	if ext.ShopName == "" {
		ext.ShopName = DefaultShopName
	}
	if ext.BillName == "" {
		ext.BillName = DefaultBillName
	}
	return ext, nil
}

// metadataFrom reads shopName and billName from an enclosing object, falling back to the
// defaults when the object does not decode.
func metadataFrom(fragment string) (string, string) {
	ext, err := decodeObject(fragment)
	if err != nil {
		return DefaultShopName, DefaultBillName
	}
	return ext.ShopName, ext.BillName
}

func toLineItems(records []record) []LineItem {
	items := make([]LineItem, 0, len(records))
	for _, r := range records {
		items = append(items, LineItem{
			Name:   strings.TrimSpace(r.Product),
			Amount: priceFromJSON(r.Price),
		})
	}
	return items
}

// priceFromJSON accepts the price as either a JSON string or a bare number
func priceFromJSON(raw json.RawMessage) decimal.Decimal {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return NormalizePrice(s)
}

// NormalizePrice turns a price string such as "₹1,234.50" into a decimal amount rounded
// half-up to two places. Strings without a numeric token yield zero.
func NormalizePrice(price string) decimal.Decimal {
	token := numericToken.FindString(strings.ReplaceAll(price, ",", ""))
	if token == "" {
		return decimal.Zero
	}
	if strings.HasPrefix(token, ".") {
		token = "0" + token
	}
	amount, err := decimal.NewFromString(token)
	if err != nil {
		return decimal.Zero
	}
	return amount.Round(2)
}

// stripCodeFence removes markdown code fences that models like to wrap JSON in
func stripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
