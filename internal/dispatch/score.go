package dispatch

import (
	"sort"
	"time"

	"github.com/me/gosched/pkg/model"
)

// AgentSnapshot is the gateway's view of one connected agent.
type AgentSnapshot struct {
	ID                 string
	Status             model.AgentStatus
	Tags               []string
	MaxConcurrentTasks int
	RunningTasks       int // as last reported by heartbeat
	CPUPercent         float64
	MemPercent         float64
}

// Scorer rates an agent for a new task. Lower is better. inflight is the
// number of instances currently assigned to the agent.
type Scorer interface {
	Score(a AgentSnapshot, inflight int) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(a AgentSnapshot, inflight int) float64

func (f ScorerFunc) Score(a AgentSnapshot, inflight int) float64 { return f(a, inflight) }

// Weights of the default load score.
type Weights struct {
	Slots float64
	CPU   float64
	Mem   float64
}

// DefaultWeights favour free slots over host utilisation.
var DefaultWeights = Weights{Slots: 0.6, CPU: 0.2, Mem: 0.2}

// WeightedScorer computes slots*running/max + cpu*cpu% + mem*mem%.
type WeightedScorer struct {
	Weights Weights
}

// DefaultScorer returns a WeightedScorer with DefaultWeights.
func DefaultScorer() *WeightedScorer {
	return &WeightedScorer{Weights: DefaultWeights}
}

func (s *WeightedScorer) Score(a AgentSnapshot, inflight int) float64 {
	running := max(inflight, a.RunningTasks)
	slots := 1.0
	if a.MaxConcurrentTasks > 0 {
		slots = float64(running) / float64(a.MaxConcurrentTasks)
	}
	return s.Weights.Slots*slots +
		s.Weights.CPU*clampPercent(a.CPUPercent)/100 +
		s.Weights.Mem*clampPercent(a.MemPercent)/100
}

func clampPercent(p float64) float64 {
	return min(max(p, 0), 100)
}

// eligible reports whether a can take a task requiring tags.
func eligible(a AgentSnapshot, inflight int, tags []string) bool {
	if a.Status != model.AgentStatusOnline {
		return false
	}
	if a.MaxConcurrentTasks <= 0 || max(inflight, a.RunningTasks) >= a.MaxConcurrentTasks {
		return false
	}
	return model.HasTags(a.Tags, tags)
}

type ranked struct {
	agent    AgentSnapshot
	score    float64
	lastUsed time.Time
}

// rank orders eligible agents best first: lowest score, then least recently
// used, then id for a stable result.
func rank(agents []AgentSnapshot, inflight map[string]int, lastUsed map[string]time.Time, tags []string, scorer Scorer) []ranked {
	var out []ranked
	for _, a := range agents {
		if !eligible(a, inflight[a.ID], tags) {
			continue
		}
		out = append(out, ranked{agent: a, score: scorer.Score(a, inflight[a.ID]), lastUsed: lastUsed[a.ID]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score < out[j].score
		}
		if !out[i].lastUsed.Equal(out[j].lastUsed) {
			return out[i].lastUsed.Before(out[j].lastUsed)
		}
		return out[i].agent.ID < out[j].agent.ID
	})
	return out
}
