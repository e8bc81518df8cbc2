package models

import "time"

// Plan is a subscription tier. Tiers form a fixed ordered set; starter is the
// base tier every account falls back to when a subscription lapses.
type Plan string

const (
	PlanStarter    Plan = "starter"
	PlanPro        Plan = "pro"
	PlanBusiness   Plan = "business"
	PlanEnterprise Plan = "enterprise"
)

var planLimits = map[Plan]int{
	PlanStarter:    5,
	PlanPro:        20,
	PlanBusiness:   60,
	PlanEnterprise: 999999,
}

// DailyLimit returns the number of generation requests the plan allows per
// day. Unknown tiers get the starter limit.
func (p Plan) DailyLimit() int {
	if limit, ok := planLimits[p]; ok {
		return limit
	}
	return planLimits[PlanStarter]
}

// Valid reports whether p is one of the known tiers.
func (p Plan) Valid() bool {
	_, ok := planLimits[p]
	return ok
}

// UsageCounts tracks daily request counters: one per workspace plus a global
// counter compared against the plan limit.
type UsageCounts struct {
	ByWorkspace map[Workspace]int `json:"by_workspace"`
	Global      int               `json:"global"`
}

// Increment bumps the workspace counter and the global counter by one.
func (u *UsageCounts) Increment(ws Workspace) {
	if u.ByWorkspace == nil {
		u.ByWorkspace = make(map[Workspace]int)
	}
	u.ByWorkspace[ws]++
	u.Global++
}

// Reset zeroes every counter.
func (u *UsageCounts) Reset() {
	u.ByWorkspace = make(map[Workspace]int)
	u.Global = 0
}

// User is a registered account.
type User struct {
	ID              int64       `json:"id"`
	Email           string      `json:"email"`
	Username        string      `json:"username"`
	PasswordHash    string      `json:"-"`
	Plan            Plan        `json:"plan"`
	SubscriptionEnd *time.Time  `json:"subscription_end,omitempty"`
	LastUsageReset  *time.Time  `json:"last_usage_reset,omitempty"`
	Usage           UsageCounts `json:"usage"`
	ProfilePicture  string      `json:"profile_picture,omitempty"`
	Params          *GenParams  `json:"params,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}
