// Package voting scores candidate replies and picks the round winner.
package voting

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/a2a-coder/a2a/go/orchestrator/internal/agents"
	"github.com/a2a-coder/a2a/go/orchestrator/internal/models"
)

// ErrAllAgentsFailed means no candidate in the round succeeded.
var ErrAllAgentsFailed = errors.New("all agents failed")

// Params are the scoring constants.
type Params struct {
	Base                float64
	SpecializationBonus float64 // multiplier
	TimePenaltyFactor   float64 // times ln(latency_s + 1)
	CacheBonus          float64
	LengthBonus         float64
	MinLength           int // exclusive
	MaxLength           int // exclusive
}

// DefaultParams returns the standard scoring constants.
func DefaultParams() Params {
	return Params{
		Base:                10,
		SpecializationBonus: 1.3,
		TimePenaltyFactor:   0.5,
		CacheBonus:          2,
		LengthBonus:         1,
		MinLength:           100,
		MaxLength:           2000,
	}
}

// ScoredCandidate is one ranked response.
type ScoredCandidate struct {
	AgentID   string  `json:"agent_id"`
	Score     float64 `json:"score"`
	Breakdown string  `json:"breakdown"`
}

// Engine scores responses using agent weights and tags from the directory.
type Engine struct {
	dir    *agents.Directory
	params Params
}

// NewEngine creates an engine with the given params.
func NewEngine(dir *agents.Directory, params Params) *Engine {
	return &Engine{dir: dir, params: params}
}

// TaskKeyword is the first '-' separated segment of a task type, lower-cased.
func TaskKeyword(taskType string) string {
	head, _, _ := strings.Cut(strings.TrimSpace(taskType), "-")
	return strings.ToLower(strings.TrimSpace(head))
}

// Score ranks responses by descending score. Ties keep input order.
func (e *Engine) Score(responses []models.AgentResponse, taskType string) []ScoredCandidate {
	keyword := TaskKeyword(taskType)
	ranking := make([]ScoredCandidate, len(responses))
	for i, r := range responses {
		ranking[i] = e.scoreOne(r, keyword)
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		return ranking[i].Score > ranking[j].Score
	})
	return ranking
}

func (e *Engine) scoreOne(r models.AgentResponse, keyword string) ScoredCandidate {
	if !r.Success {
		return ScoredCandidate{AgentID: r.AgentID, Score: 0, Breakdown: "failed = 0.00"}
	}

	weight := agents.DefaultWeight
	specialized := false
	if p, err := e.dir.Lookup(r.AgentID); err == nil {
		weight = p.Weight
		specialized = keyword != "" && p.HasSpecialty(keyword)
	}

	p := e.params
	var b strings.Builder
	score := p.Base * weight
	fmt.Fprintf(&b, "base=%.2f x weight=%.2f", p.Base, weight)

	if specialized {
		score *= p.SpecializationBonus
		fmt.Fprintf(&b, " x spec=%.2f", p.SpecializationBonus)
	}

	latencySeconds := math.Max(float64(r.LatencyMs)/1000.0, 0)
	penalty := math.Log(latencySeconds+1) * p.TimePenaltyFactor
	score -= penalty
	fmt.Fprintf(&b, " - time=%.2f", penalty)

	if r.CacheHit {
		score += p.CacheBonus
		fmt.Fprintf(&b, " + cache=%.0f", p.CacheBonus)
	}

	if n := utf8.RuneCountInString(r.Text); n > p.MinLength && n < p.MaxLength {
		score += p.LengthBonus
		fmt.Fprintf(&b, " + length=%.0f", p.LengthBonus)
	}

	if score < 0 {
		score = 0
	}
	fmt.Fprintf(&b, " = %.2f", score)
	return ScoredCandidate{AgentID: r.AgentID, Score: score, Breakdown: b.String()}
}

// Winner returns the response of the best-ranked successful candidate.
func Winner(ranking []ScoredCandidate, responses []models.AgentResponse) (models.AgentResponse, error) {
	byAgent := make(map[string]models.AgentResponse, len(responses))
	for _, r := range responses {
		if _, seen := byAgent[r.AgentID]; !seen {
			byAgent[r.AgentID] = r
		}
	}
	for _, c := range ranking {
		if r, ok := byAgent[c.AgentID]; ok && r.Success {
			return r, nil
		}
	}
	return models.AgentResponse{}, ErrAllAgentsFailed
}
