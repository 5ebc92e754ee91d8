// Package usage gates automated replies on the tenant subscription and
// counts billable conversations once per rolling window.
package usage

import (
	"errors"
	"time"
)

// DefaultWindow is the rolling window inside which a conversation is billed
// at most once.
const DefaultWindow = 48 * time.Hour

var ErrNoSubscription = errors.New("subscription not found")

const StatusActive = "active"

// Subscription is a tenant's current plan and counter.
type Subscription struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	PlanCode    string    `json:"plan_code"`
	Status      string    `json:"status"`
	Included    int       `json:"included"`
	UsedCount   int       `json:"used_count"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// InPeriod reports whether now falls inside [PeriodStart, PeriodEnd).
func (s Subscription) InPeriod(now time.Time) bool {
	return !now.Before(s.PeriodStart) && now.Before(s.PeriodEnd)
}

// Decision is the outcome of a gate check.
type Decision struct {
	Active    bool `json:"active"`
	Remaining bool `json:"remaining"`
	Used      int  `json:"used"`
	Included  int  `json:"included"`
}

// Allowed reports whether an automated reply may run.
func (d Decision) Allowed() bool {
	return d.Active && d.Remaining
}

// Decide evaluates the gate for s at now.
func Decide(s Subscription, now time.Time) Decision {
	return Decision{
		Active:    s.Status == StatusActive && s.InPeriod(now),
		Remaining: s.UsedCount < s.Included,
		Used:      s.UsedCount,
		Included:  s.Included,
	}
}
