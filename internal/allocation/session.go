package allocation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/zombor/splitpay/internal/lineitem"
)

var (
	// ErrItemOutOfRange is returned when an assignment names a line item that does not exist
	ErrItemOutOfRange = errors.New("line item index out of range")
	// ErrUnknownParticipant is returned when an assignment names a participant outside the group
	ErrUnknownParticipant = errors.New("unknown participant")
)

// Session is the in-progress assignment of participants to the line items of one receipt.
//
// A Session is a value: every mutation returns a new Session and leaves the receiver
// untouched, so callers own their state and can keep or discard any version of it.
// Each line item always has at least one slot; an empty slot is the empty string.
type Session struct {
	participants []string
	slots        [][]string
}

// NewSession creates a session for itemCount line items shared among participants.
// Every line item starts with a single empty slot.
func NewSession(itemCount int, participants []string) Session {
	s := Session{
		participants: slices.Clone(participants),
		slots:        make([][]string, itemCount),
	}
	for i := range s.slots {
		s.slots[i] = []string{""}
	}
	return s
}

// FromAssignments builds a session from a complete assignment list, one entry per line item.
// Duplicate participants within a line item are dropped; unknown participants and entries
// beyond itemCount are errors.
func FromAssignments(itemCount int, participants []string, assignments [][]string) (Session, error) {
	s := NewSession(itemCount, participants)
	if len(assignments) > itemCount {
		return Session{}, fmt.Errorf("%w: %d assignments for %d line items", ErrItemOutOfRange, len(assignments), itemCount)
	}

	for item, ids := range assignments {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if !s.isParticipant(id) {
				return Session{}, fmt.Errorf("%w: %q on line item %d", ErrUnknownParticipant, id, item)
			}
			if slices.Contains(s.slots[item], id) {
				continue
			}
			last := len(s.slots[item]) - 1
			if s.slots[item][last] != "" {
				s = s.AddSlot(item)
				last++
			}
			s = s.SetSlot(item, last, id)
		}
	}
	return s, nil
}

// ItemCount returns the number of line items in the session
func (s Session) ItemCount() int {
	return len(s.slots)
}

// Participants returns the participant ids the session was created with
func (s Session) Participants() []string {
	return slices.Clone(s.participants)
}

// Slots returns a copy of the slots for a line item, including empty ones
func (s Session) Slots(item int) []string {
	if !s.validItem(item) {
		return nil
	}
	return slices.Clone(s.slots[item])
}

// Assigned returns the participants assigned to a line item in slot order
func (s Session) Assigned(item int) []string {
	if !s.validItem(item) {
		return nil
	}
	assigned := make([]string, 0, len(s.slots[item]))
	for _, id := range s.slots[item] {
		if id != "" {
			assigned = append(assigned, id)
		}
	}
	return assigned
}

// Available returns the participants that may still be chosen for a line item's next slot
func (s Session) Available(item int) []string {
	if !s.validItem(item) {
		return nil
	}
	available := make([]string, 0, len(s.participants))
	for _, id := range s.participants {
		if !slices.Contains(s.slots[item], id) {
			available = append(available, id)
		}
	}
	return available
}

// AddSlot appends an empty slot to a line item. It is a no-op once the item has as many
// slots as there are participants.
func (s Session) AddSlot(item int) Session {
	if !s.validItem(item) || len(s.slots[item]) >= len(s.participants) {
		return s
	}
	next := s.clone()
	next.slots[item] = append(next.slots[item], "")
	return next
}

// SetSlot assigns a participant to a slot, overwriting what was there. An empty id clears
// the slot. Unknown participants and participants already assigned to another slot of the
// same line item are ignored.
func (s Session) SetSlot(item, slot int, participant string) Session {
	if !s.validSlot(item, slot) {
		return s
	}
	if participant != "" {
		if !s.isParticipant(participant) {
			return s
		}
		if slices.Contains(s.slots[item], participant) {
			return s
		}
	}
	next := s.clone()
	next.slots[item][slot] = participant
	return next
}

// RemoveSlot removes a slot from a line item. Removing the only slot resets it to empty.
func (s Session) RemoveSlot(item, slot int) Session {
	if !s.validSlot(item, slot) {
		return s
	}
	next := s.clone()
	if len(next.slots[item]) == 1 {
		next.slots[item][0] = ""
		return next
	}
	next.slots[item] = slices.Delete(next.slots[item], slot, slot+1)
	return next
}

// Ready reports whether the session can be finalized for items: there is at least one line
// item, the session covers exactly those items and each has an assigned participant.
func (s Session) Ready(items []lineitem.LineItem) bool {
	if len(items) == 0 || len(items) != len(s.slots) {
		return false
	}
	for item := range s.slots {
		if len(s.Assigned(item)) == 0 {
			return false
		}
	}
	return true
}

func (s Session) clone() Session {
	next := Session{
		participants: s.participants,
		slots:        make([][]string, len(s.slots)),
	}
	for i, row := range s.slots {
		next.slots[i] = slices.Clone(row)
	}
	return next
}

func (s Session) isParticipant(id string) bool {
	return slices.Contains(s.participants, id)
}

func (s Session) validItem(item int) bool {
	return item >= 0 && item < len(s.slots)
}

func (s Session) validSlot(item, slot int) bool {
	return s.validItem(item) && slot >= 0 && slot < len(s.slots[item])
}
