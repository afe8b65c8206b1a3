package domain

type Stats struct {
	TotalPenalties     int                 `json:"totalPenalties"`
	ActivePenalties    int                 `json:"activePenalties"`
	CompletedPenalties int                 `json:"completedPenalties"`
	ByType             map[PenaltyType]int `json:"byType"`
	ByCategory         map[Category]int    `json:"byCategory"`
	// TotalTimeServed sums Duration over completed penalties.
	TotalTimeServed int     `json:"totalTimeServed"`
	AverageDuration float64 `json:"averageDuration"`
}

func ComputeStats(penalties []Penalty) Stats {
	s := Stats{
		ByType:     make(map[PenaltyType]int),
		ByCategory: make(map[Category]int),
	}
	for _, p := range penalties {
		s.TotalPenalties++
		s.ByType[p.Type]++
		s.ByCategory[p.Category]++
		if p.Active {
			s.ActivePenalties++
			continue
		}
		s.CompletedPenalties++
		s.TotalTimeServed += p.Duration - p.Remaining
	}
	if s.CompletedPenalties > 0 {
		s.AverageDuration = float64(s.TotalTimeServed) / float64(s.CompletedPenalties)
	}
	return s
}
