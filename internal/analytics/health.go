package analytics

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Health grades.
const (
	GradeHealthy = "healthy"
	GradeCaution = "caution"
	GradeDanger  = "danger"
)

// Tier deducts Penalty once the measured value reaches Min. Only the highest
// reached tier of a table applies.
type Tier struct {
	Min     float64 `yaml:"min" json:"min"`
	Penalty float64 `yaml:"penalty" json:"penalty"`
}

// StalePenalty deducts PerPosition for every stale position, at most Cap.
type StalePenalty struct {
	PerPosition float64 `yaml:"per_position" json:"per_position"`
	Cap         float64 `yaml:"cap" json:"cap"`
}

// Grades are the minimum scores of each grade.
type Grades struct {
	Healthy float64 `yaml:"healthy" json:"healthy"`
	Caution float64 `yaml:"caution" json:"caution"`
}

// HealthPolicy is the weighting table of the health score.
type HealthPolicy struct {
	Base float64 `yaml:"base" json:"base"`
	// Drawdown tiers are in percent of the running equity peak.
	Drawdown   []Tier       `yaml:"drawdown" json:"drawdown"`
	LossStreak []Tier       `yaml:"loss_streak" json:"loss_streak"`
	Stale      StalePenalty `yaml:"stale_positions" json:"stale_positions"`
	Grades     Grades       `yaml:"grades" json:"grades"`
}

// DefaultHealthPolicy returns the built-in weights.
func DefaultHealthPolicy() HealthPolicy {
	return HealthPolicy{
		Base:       100,
		Drawdown:   []Tier{{Min: 5, Penalty: 10}, {Min: 10, Penalty: 25}, {Min: 20, Penalty: 40}},
		LossStreak: []Tier{{Min: 3, Penalty: 10}, {Min: 5, Penalty: 20}, {Min: 8, Penalty: 30}},
		Stale:      StalePenalty{PerPosition: 5, Cap: 25},
		Grades:     Grades{Healthy: 80, Caution: 50},
	}
}

// LoadHealthPolicy reads a YAML policy from path. Keys missing from the file
// keep their default. An empty path returns the defaults.
func LoadHealthPolicy(path string) (HealthPolicy, error) {
	policy := DefaultHealthPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read health policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return DefaultHealthPolicy(), fmt.Errorf("failed to parse health policy %s: %w", path, err)
	}
	return policy, nil
}

// HealthInput are the measurements the score is made of.
type HealthInput struct {
	CurrentDrawdownPct float64 `json:"current_drawdown_pct"`
	LossStreak         int     `json:"loss_streak"`
	StalePositions     int     `json:"stale_positions"`
}

// Health is the composite score in [0, 100].
type Health struct {
	Score     float64            `json:"score"`
	Grade     string             `json:"grade"`
	Input     HealthInput        `json:"input"`
	Penalties map[string]float64 `json:"penalties"`
}

func tierPenalty(tiers []Tier, value float64) float64 {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	var penalty float64
	for _, t := range sorted {
		if value >= t.Min {
			penalty = t.Penalty
		}
	}
	return penalty
}

// Score applies the policy to in.
func (p HealthPolicy) Score(in HealthInput) Health {
	penalties := map[string]float64{
		"drawdown":        tierPenalty(p.Drawdown, in.CurrentDrawdownPct*100),
		"loss_streak":     tierPenalty(p.LossStreak, float64(in.LossStreak)),
		"stale_positions": clamp(float64(in.StalePositions)*p.Stale.PerPosition, 0, p.Stale.Cap),
	}

	score := p.Base
	for _, v := range penalties {
		score -= v
	}
	score = clamp(score, 0, 100)

	grade := GradeDanger
	switch {
	case score >= p.Grades.Healthy:
		grade = GradeHealthy
	case score >= p.Grades.Caution:
		grade = GradeCaution
	}
	return Health{Score: score, Grade: grade, Input: in, Penalties: penalties}
}
