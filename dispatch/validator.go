package dispatch

import (
	"context"
	"fmt"
)

// DefaultCarpoolCapacity is the most children one driver carries per period.
const DefaultCarpoolCapacity = 3

// Proposal is a candidate assignment awaiting a conflict decision.
type Proposal struct {
	Date     Date
	Period   Period
	ChildID  ChildID
	DriverID DriverID
}

func (p Proposal) slot() Slot { return Slot{Date: p.Date, Period: p.Period} }

// ConflictValidator rejects a proposal that would double-book a child or
// overfill a driver.
// It must be called with the Store handed to WithTx so that the reads and
// the following Insert form one serialized unit.
type ConflictValidator struct {
	Capacity int
}

func NewConflictValidator(capacity int) ConflictValidator {
	if capacity <= 0 {
		capacity = DefaultCarpoolCapacity
	}
	return ConflictValidator{Capacity: capacity}
}

// Validate returns nil to accept, or a *ConflictError.
func (v ConflictValidator) Validate(ctx context.Context, s Store, p Proposal) error {
	existing, err := s.FindByChild(ctx, p.Date, p.Period, p.ChildID)
	if err != nil {
		return fmt.Errorf("lookup child assignment: %w", err)
	}
	if existing != nil {
		return &ConflictError{
			Slot:     p.slot(),
			ChildID:  p.ChildID,
			DriverID: p.DriverID,
			Existing: existing.ID,
			reason:   ErrDuplicateChildAssignment,
		}
	}

	count, err := s.CountByDriver(ctx, p.Date, p.Period, p.DriverID)
	if err != nil {
		return fmt.Errorf("count driver assignments: %w", err)
	}
	if count >= v.Capacity {
		return &ConflictError{
			Slot:     p.slot(),
			ChildID:  p.ChildID,
			DriverID: p.DriverID,
			Count:    count,
			Capacity: v.Capacity,
			reason:   ErrDriverCapacityExceeded,
		}
	}
	return nil
}
