package ledger

import (
	"context"
	"sync"
)

// DeficitNotice describes a debit that left a student over-consumed.
type DeficitNotice struct {
	StudentID      StudentID
	HoursPurchased Quantity
	HoursConsumed  Quantity
	Shortfall      Quantity
	SessionRef     SessionRef
}

// DeficitPolicy decides what happens once a student consumes more hours than
// purchased. It runs after the debit is committed and cannot undo it.
type DeficitPolicy interface {
	OnDeficit(ctx context.Context, notice DeficitNotice)
}

// DeficitPolicyFunc adapts a function to DeficitPolicy.
type DeficitPolicyFunc func(ctx context.Context, notice DeficitNotice)

// OnDeficit calls fn.
func (fn DeficitPolicyFunc) OnDeficit(ctx context.Context, notice DeficitNotice) {
	fn(ctx, notice)
}

// RecordOnlyDeficitPolicy leaves reconciliation to the caller; the deficit is
// still visible through the debit result and the operation log.
type RecordOnlyDeficitPolicy struct{}

// OnDeficit does nothing.
func (RecordOnlyDeficitPolicy) OnDeficit(context.Context, DeficitNotice) {}

// BookingHoldPolicy remembers which students are over-consumed so booking
// flows can refuse new sessions until the deficit is paid down.
type BookingHoldPolicy struct {
	mu    sync.RWMutex
	holds map[string]Quantity
}

// NewBookingHoldPolicy returns an empty BookingHoldPolicy.
func NewBookingHoldPolicy() *BookingHoldPolicy {
	return &BookingHoldPolicy{holds: make(map[string]Quantity)}
}

// OnDeficit records the shortfall for the student.
func (policy *BookingHoldPolicy) OnDeficit(_ context.Context, notice DeficitNotice) {
	policy.mu.Lock()
	defer policy.mu.Unlock()
	policy.holds[notice.StudentID.String()] = notice.Shortfall
}

// Release clears a hold, typically after a credit covered the shortfall.
func (policy *BookingHoldPolicy) Release(studentID StudentID) {
	policy.mu.Lock()
	defer policy.mu.Unlock()
	delete(policy.holds, studentID.String())
}

// Held reports the recorded shortfall for studentID.
func (policy *BookingHoldPolicy) Held(studentID StudentID) (Quantity, bool) {
	policy.mu.RLock()
	defer policy.mu.RUnlock()
	shortfall, ok := policy.holds[studentID.String()]
	return shortfall, ok
}
