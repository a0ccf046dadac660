package callsession

import (
	"context"
	"slices"
	"time"
)

// AvailabilitySource answers availability lookups.
type AvailabilitySource interface {
	Lookup(ctx context.Context, date string) ([]string, error)
}

// FixedAvailability returns the same slots for every date after Delay.
type FixedAvailability struct {
	Slots []string
	Delay time.Duration
}

// DefaultSlots are offered when no slots are configured.
func DefaultSlots() []string { return []string{"1pm", "2pm", "3pm"} }

// Lookup implements AvailabilitySource.
func (f FixedAvailability) Lookup(ctx context.Context, _ string) ([]string, error) {
	if f.Delay > 0 {
		timer := time.NewTimer(f.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(f.Slots) == 0 {
		return DefaultSlots(), nil
	}
	return slices.Clone(f.Slots), nil
}
