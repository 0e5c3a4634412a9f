// Package quota enforces the monthly cap on billable analysis actions.
package quota

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// UsageKindAnalysis marks one billable identification call.
const UsageKindAnalysis = "analysis"

// Authority decides whether another billable analysis may be submitted and
// records usage once an attempt has consumed quota.
type Authority interface {
	CanSubmitAnalysis() (bool, error)
	RecordUsage(kind, metadata string) error
}

// UsageStore is the slice of the durable store that quota accounting needs.
type UsageStore interface {
	RecordUsage(kind, metadata string) error
	CountUsageSince(kind string, t time.Time) (int, error)
}

// MonthlyCap is an Authority that allows up to Cap billable analyses per
// calendar month, counted from persisted usage records.
type MonthlyCap struct {
	store UsageStore
	cap   int
	now   func() time.Time
}

// NewMonthlyCap creates a monthly-cap authority. A cap of zero or less means
// unlimited.
func NewMonthlyCap(store UsageStore, cap int) *MonthlyCap {
	return &MonthlyCap{store: store, cap: cap, now: time.Now}
}

// CanSubmitAnalysis reports whether the current month still has quota left.
func (m *MonthlyCap) CanSubmitAnalysis() (bool, error) {
	if m.cap <= 0 {
		return true, nil
	}

	used, err := m.store.CountUsageSince(UsageKindAnalysis, m.monthStart())
	if err != nil {
		return false, fmt.Errorf("failed to count monthly usage: %w", err)
	}

	if used >= m.cap {
		log.Info().Int("used", used).Int("cap", m.cap).Msg("monthly analysis quota exhausted")
		return false, nil
	}
	return true, nil
}

// RecordUsage persists one billable action.
func (m *MonthlyCap) RecordUsage(kind, metadata string) error {
	return m.store.RecordUsage(kind, metadata)
}

func (m *MonthlyCap) monthStart() time.Time {
	now := m.now()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}
