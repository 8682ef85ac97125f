package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zombor/splitpay/internal/allocation"
	"github.com/zombor/splitpay/internal/lineitem"
	"github.com/zombor/splitpay/internal/scanning"
)

// created_at must fit the nanosecond clock the owner index is ordered by
var (
	minCreatedAt = time.Unix(0, 0).UTC()
	maxCreatedAt = time.Unix(0, math.MaxInt64).UTC()
)

// IDGenerator generates unique IDs for records and stored bills
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now().UTC()
}

// Service handles receipt analysis and settlement records
type Service struct {
	db          DB
	scanner     scanning.Scanner
	storage     Storage
	metrics     *Metrics
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with UUID ids and the wall clock
func NewService(db DB, scanner scanning.Scanner, storage Storage, metrics *Metrics) *Service {
	return NewServiceWithDeps(db, scanner, storage, metrics, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, scanner scanning.Scanner, storage Storage, metrics *Metrics, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		db:          db,
		scanner:     scanner,
		storage:     storage,
		metrics:     metrics,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

// AnalyzeReceipt stores an uploaded bill, sends it to the scanner and parses the answer
// into line items. An answer without usable structure is not an error: the analysis comes
// back with Parsed false and the raw text so it can be shown as is.
func (s *Service) AnalyzeReceipt(ctx context.Context, filename string, data []byte, contentType string) (*Analysis, error) {
	if len(data) == 0 {
		return nil, invalid("bill", "file is empty")
	}

	key, err := s.storage.Save(fmt.Sprintf("%s_%s", s.idGenerator.Generate(), sanitizeFilename(filename)), data)
	if err != nil {
		return nil, persistence("saving bill", err)
	}

	raw, err := s.scanner.Scan(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to scan bill",
			"filename", filename,
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		s.metrics.recordExtraction(resultError)
		if delErr := s.storage.Delete(key); delErr != nil {
			slog.Warn("Failed to clean up bill", "key", key, "error", delErr)
		}
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	analysis := &Analysis{
		ReceiptFile: key,
		Raw:         raw,
		LineItems:   []lineitem.LineItem{},
	}

	extraction, err := lineitem.Parse(raw)
	if err != nil {
		slog.Warn("Scanner answer has no line items", "receipt_file", key, "error", err)
		s.metrics.recordExtraction("malformed")
		return analysis, nil
	}

	s.metrics.recordExtraction(string(extraction.Shape))
	analysis.Parsed = true
	analysis.ShopName = extraction.ShopName
	analysis.BillName = extraction.BillName
	analysis.LineItems = extraction.Items
	return analysis, nil
}

// SettleRequest is a finished assignment of participants to line items.
// Assignments holds one list of contact ids per line item, in line item order.
type SettleRequest struct {
	OwnerContactID string              `json:"owner_contact_id" validate:"required"`
	GroupName      string              `json:"group_name"`
	Participants   []Participant       `json:"participants" validate:"required,min=1,dive"`
	LineItems      []lineitem.LineItem `json:"line_items" validate:"required,min=1"`
	Assignments    [][]string          `json:"assignments"`
	ReceiptFile    string              `json:"receipt_file,omitempty"`
}

// Settle computes every participant's share and stores the result as a pending record.
// Each call creates a new record.
func (s *Service) Settle(req SettleRequest) (*Record, error) {
	record, err := s.settle(req)
	s.metrics.recordOperation("settle", err)
	return record, err
}

func (s *Service) settle(req SettleRequest) (*Record, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := validateParticipants(req.Participants); err != nil {
		return nil, err
	}
	items, err := normalizeLineItems(req.LineItems)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(req.Participants))
	for _, p := range req.Participants {
		ids = append(ids, p.ContactID)
	}

	session, err := allocation.FromAssignments(len(items), ids, req.Assignments)
	if err != nil {
		return nil, invalid("assignments", "%v", err)
	}

	results, total, err := Aggregate(items, session, req.Participants)
	if err != nil {
		return nil, err
	}

	id := s.idGenerator.Generate()
	receiptFile, err := s.attachReceipt(id, req.ReceiptFile)
	if err != nil {
		return nil, err
	}

	record := newPendingRecord(draft{
		ID:             id,
		OwnerContactID: req.OwnerContactID,
		GroupName:      req.GroupName,
		Participants:   req.Participants,
		LineItems:      items,
		Allocations:    results,
		TotalAmount:    total,
		ReceiptFile:    receiptFile,
		CreatedAt:      s.timeSource.Now(),
	})

	if err := s.db.CreateRecord(record); err != nil {
		s.discardReceipt(receiptFile)
		return nil, persistence("creating record", err)
	}
	return record, nil
}

// CreateRequest carries the fields of a settlement computed by the caller
type CreateRequest struct {
	OwnerContactID string              `json:"owner_contact_id" validate:"required"`
	GroupName      string              `json:"group_name"`
	Participants   []Participant       `json:"participants" validate:"required,min=1,dive"`
	LineItems      []lineitem.LineItem `json:"line_items" validate:"required,min=1"`
	Allocations    []AllocationResult  `json:"allocations" validate:"required,min=1"`
	TotalAmount    decimal.NullDecimal `json:"total_amount"`
	CreatedAt      *time.Time          `json:"created_at,omitempty"`
	ReceiptFile    string              `json:"receipt_file,omitempty"`
}

// CreateTransaction validates a caller-computed settlement and stores it as a pending record
func (s *Service) CreateTransaction(req CreateRequest) (*Record, error) {
	record, err := s.createTransaction(req)
	s.metrics.recordOperation("create", err)
	return record, err
}

func (s *Service) createTransaction(req CreateRequest) (*Record, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := validateParticipants(req.Participants); err != nil {
		return nil, err
	}
	items, err := normalizeLineItems(req.LineItems)
	if err != nil {
		return nil, err
	}
	allocations, sum, err := normalizeAllocations(req.Allocations, req.Participants)
	if err != nil {
		return nil, err
	}
	if !req.TotalAmount.Valid {
		return nil, invalid("total_amount", "is required")
	}

	// Each share may be a cent off per line item
	total := req.TotalAmount.Decimal.Round(2)
	tolerance := decimal.New(int64(len(items)), -2)
	if itemsTotal := lineitem.Total(items); itemsTotal.Sub(sum).Abs().GreaterThan(tolerance) {
		return nil, invalid("allocations", "allocated sum %s does not match line item total %s", sum.StringFixed(2), itemsTotal.StringFixed(2))
	}
	if total.Sub(sum).Abs().GreaterThan(tolerance) {
		return nil, invalid("total_amount", "%s does not match allocated sum %s", total.StringFixed(2), sum.StringFixed(2))
	}

	createdAt := s.timeSource.Now()
	if req.CreatedAt != nil && !req.CreatedAt.IsZero() {
		createdAt = req.CreatedAt.UTC()
		if createdAt.Before(minCreatedAt) || createdAt.After(maxCreatedAt) {
			return nil, invalid("created_at", "must be between %s and %s", minCreatedAt.Format(time.RFC3339), maxCreatedAt.Format(time.RFC3339))
		}
	}

	id := s.idGenerator.Generate()
	receiptFile, err := s.attachReceipt(id, req.ReceiptFile)
	if err != nil {
		return nil, err
	}

	record := newPendingRecord(draft{
		ID:             id,
		OwnerContactID: req.OwnerContactID,
		GroupName:      req.GroupName,
		Participants:   req.Participants,
		LineItems:      items,
		Allocations:    allocations,
		TotalAmount:    total,
		ReceiptFile:    receiptFile,
		CreatedAt:      createdAt,
	})

	if err := s.db.CreateRecord(record); err != nil {
		s.discardReceipt(receiptFile)
		return nil, persistence("creating record", err)
	}
	return record, nil
}

// attachReceipt copies an uploaded bill under a key owned by the record, so deleting one
// record never removes a bill another record still shows.
func (s *Service) attachReceipt(id, key string) (string, error) {
	if key == "" {
		return "", nil
	}
	data, err := s.storage.Get(key)
	if err != nil {
		return "", invalid("receipt_file", "no stored bill %q", key)
	}
	copied, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(key)), data)
	if err != nil {
		return "", persistence("copying bill", err)
	}
	return copied, nil
}

func (s *Service) discardReceipt(key string) {
	if key == "" {
		return
	}
	if err := s.storage.Delete(key); err != nil {
		slog.Warn("Failed to clean up bill", "key", key, "error", err)
	}
}

// GetTransaction retrieves a record by ID
func (s *Service) GetTransaction(id string) (*Record, error) {
	if id == "" {
		return nil, invalid("id", "is required")
	}
	record, err := s.db.GetRecord(id)
	if err != nil {
		return nil, persistence("getting record", err)
	}
	return record, nil
}

// ListTransactions returns an owner's records, most recent first
func (s *Service) ListTransactions(owner string) ([]*Record, error) {
	if owner == "" {
		return nil, invalid("owner_contact_id", "is required")
	}
	records, err := s.db.ListRecordsByOwner(owner)
	if err != nil {
		return nil, persistence("listing records", err)
	}
	return records, nil
}

// UpdateStatus moves a record through its lifecycle. The current status is checked and
// replaced in the same store transaction, so a record that already reached a terminal
// status is never overwritten.
func (s *Service) UpdateStatus(id string, rawStatus string) (*Record, error) {
	status, err := ParseStatus(rawStatus)
	if err != nil {
		s.metrics.recordTransition("unknown", err)
		return nil, err
	}
	record, err := s.transition(id, status)
	s.metrics.recordTransition(status.String(), err)
	return record, err
}

func (s *Service) transition(id string, status Status) (*Record, error) {
	if id == "" {
		return nil, invalid("id", "is required")
	}

	record, err := s.db.UpdateRecord(id, func(r *Record) error {
		if err := ValidateTransition(r.Status, status); err != nil {
			return err
		}
		r.Status = status
		return nil
	})
	if err != nil {
		return nil, persistence("updating status", err)
	}

	slog.Info("Transaction status updated", "id", id, "status", status)
	return record, nil
}

// DeleteTransaction removes a record and its stored bill
func (s *Service) DeleteTransaction(id string) error {
	err := s.deleteTransaction(id)
	s.metrics.recordOperation("delete", err)
	return err
}

func (s *Service) deleteTransaction(id string) error {
	if id == "" {
		return invalid("id", "is required")
	}
	record, err := s.db.DeleteRecord(id)
	if err != nil {
		return persistence("deleting record", err)
	}

	if record.ReceiptFile != "" {
		if err := s.storage.Delete(record.ReceiptFile); err != nil {
			// The record is gone either way
			slog.Warn("Failed to delete bill", "receipt_file", record.ReceiptFile, "error", err)
		}
	}
	return nil
}

// GetReceiptFile returns the stored bill of a record
func (s *Service) GetReceiptFile(id string) ([]byte, error) {
	record, err := s.GetTransaction(id)
	if err != nil {
		return nil, err
	}
	if record.ReceiptFile == "" {
		return nil, fmt.Errorf("%w: no bill stored for %s", ErrNotFound, id)
	}
	data, err := s.storage.Get(record.ReceiptFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading bill: %v", ErrNotFound, err)
	}
	return data, nil
}

// validateParticipants checks that contact ids and display names are unique in the group
func validateParticipants(participants []Participant) error {
	contacts := make(map[string]bool, len(participants))
	names := make(map[string]bool, len(participants))
	for i, p := range participants {
		if contacts[p.ContactID] {
			return invalid(fmt.Sprintf("participants[%d].contact_id", i), "%q appears more than once", p.ContactID)
		}
		if names[p.DisplayName] {
			return invalid(fmt.Sprintf("participants[%d].display_name", i), "%q appears more than once", p.DisplayName)
		}
		contacts[p.ContactID] = true
		names[p.DisplayName] = true
	}
	return nil
}

func normalizeLineItems(items []lineitem.LineItem) ([]lineitem.LineItem, error) {
	out := make([]lineitem.LineItem, 0, len(items))
	for i, item := range items {
		if item.Amount.IsNegative() {
			return nil, invalid(fmt.Sprintf("line_items[%d].amount", i), "must not be negative")
		}
		out = append(out, lineitem.LineItem{Name: item.Name, Amount: item.Amount.Round(2)})
	}
	return out, nil
}

func normalizeAllocations(allocations []AllocationResult, participants []Participant) ([]AllocationResult, decimal.Decimal, error) {
	members := make(map[string]Participant, len(participants))
	for _, p := range participants {
		members[p.ContactID] = p
	}

	seen := make(map[string]bool, len(allocations))
	out := make([]AllocationResult, 0, len(allocations))
	sum := decimal.Zero
	for i, a := range allocations {
		field := fmt.Sprintf("allocations[%d]", i)
		member, ok := members[a.ContactID]
		if !ok {
			return nil, decimal.Zero, invalid(field+".contact_id", "%q is not a participant", a.ContactID)
		}
		if seen[a.ContactID] {
			return nil, decimal.Zero, invalid(field+".contact_id", "%q appears more than once", a.ContactID)
		}
		if a.AllocatedAmount.IsNegative() {
			return nil, decimal.Zero, invalid(field+".allocated_amount", "must not be negative")
		}
		seen[a.ContactID] = true

		if a.DisplayName == "" {
			a.DisplayName = member.DisplayName
		}
		if a.ProductNames == nil {
			a.ProductNames = []string{}
		}
		a.AllocatedAmount = a.AllocatedAmount.Round(2)
		sum = sum.Add(a.AllocatedAmount)
		out = append(out, a)
	}
	return out, sum, nil
}

// errorCategory names the failure class of err for callers and logs
func errorCategory(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrExtraction):
		return "extraction"
	default:
		return "persistence"
	}
}
