package services

import (
	"fmt"
	"math"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

// spinTurns is how many full turns the roulette makes before settling.
const spinTurns = 5

// Spin is one roulette draw. Angle is derived from Index, so the segment the
// wheel stops on is always the stored duration.
type Spin struct {
	Type     domain.PenaltyType `json:"type"`
	Index    int                `json:"index"`
	Value    int                `json:"value"`
	Segments int                `json:"segments"`
	Angle    float64            `json:"angle"`
}

type DurationSelector struct {
	cfg domain.DurationConfig
	rng ports.RandomSource
}

func NewDurationSelector(cfg domain.DurationConfig, rng ports.RandomSource) *DurationSelector {
	if rng == nil {
		rng = ports.DefaultRandom()
	}
	return &DurationSelector{cfg: cfg, rng: rng}
}

func (s *DurationSelector) typeConfig(t domain.PenaltyType) (domain.TypeConfig, error) {
	tc, ok := s.cfg[t]
	if !ok {
		return domain.TypeConfig{}, &domain.ValidationError{
			Field: "penaltyType",
			Cause: domain.ErrInvalidType,
			Msg:   fmt.Sprintf("unknown penalty type %q", t),
		}
	}
	return tc, nil
}

// SelectFixed accepts v only if it is one of the type's options.
func (s *DurationSelector) SelectFixed(t domain.PenaltyType, v int) (int, error) {
	tc, err := s.typeConfig(t)
	if err != nil {
		return 0, err
	}
	if !tc.Allows(v) {
		return 0, &domain.ValidationError{
			Field: "duration",
			Cause: domain.ErrInvalidDuration,
			Msg:   fmt.Sprintf("%d is not an option for %s (%v)", v, t, tc.Options),
		}
	}
	return v, nil
}

// SelectRandom picks uniformly among the type's options.
func (s *DurationSelector) SelectRandom(t domain.PenaltyType) (int, error) {
	spin, err := s.Spin(t)
	if err != nil {
		return 0, err
	}
	return spin.Value, nil
}

func (s *DurationSelector) Spin(t domain.PenaltyType) (Spin, error) {
	tc, err := s.typeConfig(t)
	if err != nil {
		return Spin{}, err
	}
	n := len(tc.Options)
	idx := s.rng.IntN(n)
	segment := 360.0 / float64(n)
	return Spin{
		Type:     t,
		Index:    idx,
		Value:    tc.Options[idx],
		Segments: n,
		Angle:    spinTurns*360 + float64(idx)*segment + segment/2,
	}, nil
}

// SegmentAt maps a wheel angle back to the segment index it points at.
func SegmentAt(angle float64, segments int) int {
	if segments <= 0 {
		return -1
	}
	a := math.Mod(angle, 360)
	if a < 0 {
		a += 360
	}
	return int(a / (360.0 / float64(segments)))
}
