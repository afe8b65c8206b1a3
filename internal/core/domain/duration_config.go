package domain

import (
	"fmt"
	"slices"
)

type TypeConfig struct {
	Label   string `yaml:"label" json:"label"`
	Color   string `yaml:"color" json:"color"`
	Options []int  `yaml:"options" json:"options"`
	Min     int    `yaml:"min" json:"min"`
	Max     int    `yaml:"max" json:"max"`
}

func (c TypeConfig) Allows(v int) bool {
	return slices.Contains(c.Options, v)
}

// DurationConfig is immutable after load.
type DurationConfig map[PenaltyType]TypeConfig

func DefaultDurationConfig() DurationConfig {
	return DurationConfig{
		TypeYellow: {
			Label:   "Yellow card",
			Color:   "#F5C518",
			Options: []int{1, 2, 3, 5, 7},
			Min:     1,
			Max:     7,
		},
		TypeRed: {
			Label:   "Red card",
			Color:   "#D32F2F",
			Options: []int{7, 10, 14, 21, 30},
			Min:     7,
			Max:     30,
		},
	}
}

func (c DurationConfig) Check() error {
	for _, t := range PenaltyTypes {
		tc, ok := c[t]
		if !ok {
			return fmt.Errorf("duration config: missing type %q", t)
		}
		if len(tc.Options) == 0 {
			return fmt.Errorf("duration config: %s has no options", t)
		}
		if tc.Min < 1 || tc.Min > tc.Max {
			return fmt.Errorf("duration config: %s has invalid range [%d, %d]", t, tc.Min, tc.Max)
		}
		// Random selection draws by index, so a repeated option would carry
		// extra weight.
		seen := make(map[int]bool, len(tc.Options))
		for _, o := range tc.Options {
			if o < tc.Min || o > tc.Max {
				return fmt.Errorf("duration config: %s option %d outside [%d, %d]", t, o, tc.Min, tc.Max)
			}
			if seen[o] {
				return fmt.Errorf("duration config: %s option %d listed twice", t, o)
			}
			seen[o] = true
		}
	}
	for t := range c {
		if !t.Valid() {
			return fmt.Errorf("duration config: %w: %q", ErrInvalidType, t)
		}
	}
	return nil
}
