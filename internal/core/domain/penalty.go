package domain

import (
	"fmt"
	"slices"
	"time"
)

type Category string

const (
	CategoryBehavior   Category = "behavior"
	CategoryChores     Category = "chores"
	CategoryScreenTime Category = "screen_time"
	CategoryHomework   Category = "homework"
	CategoryOther      Category = "other"
)

var Categories = []Category{
	CategoryBehavior,
	CategoryChores,
	CategoryScreenTime,
	CategoryHomework,
	CategoryOther,
}

func (c Category) Valid() bool {
	return slices.Contains(Categories, c)
}

func (c *Category) UnmarshalText(text []byte) error {
	v := Category(text)
	if !v.Valid() {
		return invalid("category", ErrInvalidCategory, fmt.Sprintf("unknown category %q", text))
	}
	*c = v
	return nil
}

// PenaltyType is the severity tier. Each tier has its own duration range
// and discrete options, see DurationConfig.
type PenaltyType string

const (
	TypeYellow PenaltyType = "yellow"
	TypeRed    PenaltyType = "red"
)

var PenaltyTypes = []PenaltyType{TypeYellow, TypeRed}

func (t PenaltyType) Valid() bool {
	return t == TypeYellow || t == TypeRed
}

func (t *PenaltyType) UnmarshalText(text []byte) error {
	v := PenaltyType(text)
	if !v.Valid() {
		return invalid("penaltyType", ErrInvalidType, fmt.Sprintf("unknown penalty type %q", text))
	}
	*t = v
	return nil
}

type SelectionMethod string

const (
	MethodFixed  SelectionMethod = "fixed"
	MethodRandom SelectionMethod = "random"
)

func (m SelectionMethod) Valid() bool {
	return m == MethodFixed || m == MethodRandom
}

func (m *SelectionMethod) UnmarshalText(text []byte) error {
	v := SelectionMethod(text)
	if !v.Valid() {
		return invalid("method", ErrValidation, fmt.Sprintf("unknown selection method %q", text))
	}
	*m = v
	return nil
}

// SyncState tells locally originated records apart from server-confirmed ones.
type SyncState int

const (
	SyncSynced SyncState = iota
	// SyncLocal records were created offline and have no server id yet.
	SyncLocal
	// SyncModified records are server-known but carry unpushed changes.
	SyncModified
)

func (s SyncState) String() string {
	switch s {
	case SyncLocal:
		return "local"
	case SyncModified:
		return "modified"
	default:
		return "synced"
	}
}

func (s SyncState) Pending() bool {
	return s != SyncSynced
}

type Reflection struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type TimeAdjustment struct {
	Delta     int       `json:"delta"`
	AppliedAt time.Time `json:"appliedAt"`
}

type Penalty struct {
	ID              string           `json:"id"`
	MemberID        string           `json:"memberId"`
	Reason          string           `json:"reason"`
	Category        Category         `json:"category"`
	Type            PenaltyType      `json:"penaltyType"`
	Method          SelectionMethod  `json:"selectionMethod"`
	Duration        int              `json:"duration"`
	Remaining       int              `json:"remaining"`
	StartTime       time.Time        `json:"startTime"`
	EndsAt          time.Time        `json:"endsAt"`
	EndTime         *time.Time       `json:"endTime,omitempty"`
	Active          bool             `json:"active"`
	Reflections     []Reflection     `json:"reflections"`
	TimeAdjustments []TimeAdjustment `json:"timeAdjustments"`
	CreatedBy       string           `json:"createdBy"`

	SyncState SyncState `json:"-"`
	// Revision is bumped on every local mutation so a push that raced a
	// newer write can be detected on acknowledgement.
	Revision uint64 `json:"-"`
}

// Clone returns a deep copy safe to hand out of the engine.
func (p Penalty) Clone() Penalty {
	c := p
	if p.EndTime != nil {
		t := *p.EndTime
		c.EndTime = &t
	}
	c.Reflections = slices.Clone(p.Reflections)
	c.TimeAdjustments = slices.Clone(p.TimeAdjustments)
	return c
}

func (p *Penalty) Completed() bool {
	return !p.Active
}

// Complete moves the penalty into its terminal state. It reports false when
// the penalty was already completed.
func (p *Penalty) Complete(at time.Time, reflection string) bool {
	if !p.Active {
		return false
	}
	p.Active = false
	p.Remaining = 0
	end := at
	p.EndTime = &end
	if reflection != "" {
		p.Reflections = append(p.Reflections, Reflection{Text: reflection, CreatedAt: at})
	}
	return true
}

// RemainingAt returns the countdown value at now, in whole units rounded up,
// never above the current Remaining.
func (p *Penalty) RemainingAt(now time.Time, unit time.Duration) int {
	if !p.Active {
		return 0
	}
	left := p.EndsAt.Sub(now)
	if left <= 0 {
		return 0
	}
	units := int((left + unit - 1) / unit)
	return min(units, p.Remaining)
}

// Validate checks a penalty against the duration configuration.
func Validate(p Penalty, cfg DurationConfig) error {
	if p.MemberID == "" {
		return invalid("memberId", ErrValidation, "member is required")
	}
	if p.CreatedBy == "" {
		return invalid("createdBy", ErrValidation, "assigning member is required")
	}
	if p.CreatedBy == p.MemberID {
		return invalid("createdBy", ErrValidation, "a member cannot assign a penalty to themselves")
	}
	if p.Reason == "" {
		return invalid("reason", ErrValidation, "reason is required")
	}
	if !p.Category.Valid() {
		return invalid("category", ErrInvalidCategory, fmt.Sprintf("unknown category %q", p.Category))
	}
	if !p.Method.Valid() {
		return invalid("method", ErrValidation, fmt.Sprintf("unknown selection method %q", p.Method))
	}
	tc, ok := cfg[p.Type]
	if !ok {
		return invalid("penaltyType", ErrInvalidType, fmt.Sprintf("unknown penalty type %q", p.Type))
	}
	if p.Duration < tc.Min || p.Duration > tc.Max {
		return invalid("duration", ErrInvalidDuration,
			fmt.Sprintf("%d outside [%d, %d] for %s", p.Duration, tc.Min, tc.Max, p.Type))
	}
	if p.Method == MethodFixed && !tc.Allows(p.Duration) {
		return invalid("duration", ErrInvalidDuration,
			fmt.Sprintf("%d is not an option for %s (%v)", p.Duration, p.Type, tc.Options))
	}
	if p.Remaining < 0 || p.Remaining > p.Duration {
		return invalid("remaining", ErrInvalidDuration, "remaining must lie within [0, duration]")
	}
	return nil
}
