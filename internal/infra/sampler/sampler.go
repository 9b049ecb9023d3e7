// Package sampler converts a token-candidate distribution into one chosen
// token id under a configurable sampling policy. One sampler instance serves
// one generation stream; it is not safe for concurrent use.
package sampler

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/inferno-ai/inferno/internal/domain"
)

// Strategy selects the sampling policy.
type Strategy string

const (
	Greedy      Strategy = "greedy"
	Temperature Strategy = "temperature"
	TopK        Strategy = "top_k"
	TopP        Strategy = "top_p"
	TopKP       Strategy = "top_kp"
)

// recentTokensCap bounds the repeat-penalty history ring.
const recentTokensCap = 50

// Config holds the sampling parameters.
type Config struct {
	Strategy      Strategy
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
	Seed          *int64 // deterministic sampling when set
}

// DefaultConfig returns the baseline sampling configuration.
func DefaultConfig() Config {
	return Config{
		Strategy:      Temperature,
		TopK:          40,
		TopP:          0.9,
		Temperature:   0.7,
		RepeatPenalty: 1.1,
	}
}

// Sampler applies the configured policy to candidate distributions.
type Sampler struct {
	config Config
	recent []int32
	rng    *rand.Rand
}

// New creates a sampler. When a seed is configured the random source is
// seeded with it, so identical inputs yield identical token sequences.
func New(cfg Config) *Sampler {
	var src rand.Source
	if cfg.Seed != nil {
		src = rand.NewSource(*cfg.Seed)
	} else {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Sampler{
		config: cfg,
		rng:    rand.New(src),
	}
}

// Sample picks one token id from the candidates, or reports false when the
// list is empty. The chosen id is recorded for repeat-penalty accounting.
func (s *Sampler) Sample(candidates []domain.TokenCandidate) (int32, bool) {
	if len(candidates) == 0 {
		return 0, false
	}

	adjusted := make([]domain.TokenCandidate, len(candidates))
	copy(adjusted, candidates)

	if s.config.RepeatPenalty > 1 {
		s.applyRepeatPenalty(adjusted)
	}

	if s.config.Strategy == Temperature || s.config.Strategy == TopKP {
		applyTemperature(adjusted, s.config.Temperature)
	}

	if (s.config.Strategy == TopK || s.config.Strategy == TopKP) && s.config.TopK > 0 {
		adjusted = applyTopK(adjusted, s.config.TopK)
	}

	if (s.config.Strategy == TopP || s.config.Strategy == TopKP) &&
		s.config.TopP > 0 && s.config.TopP < 1 {
		adjusted = applyTopP(adjusted, s.config.TopP)
	}

	var id int32
	var ok bool
	if s.config.Strategy == Greedy {
		id, ok = greedySample(adjusted)
	} else {
		id, ok = s.probabilisticSample(adjusted)
	}
	if !ok {
		return 0, false
	}

	s.recent = append(s.recent, id)
	if len(s.recent) > recentTokensCap {
		s.recent = s.recent[1:]
	}
	return id, true
}

// RecentTokens returns the repeat-penalty history ring.
func (s *Sampler) RecentTokens() []int32 { return s.recent }

// ClearHistory resets the repeat-penalty history.
func (s *Sampler) ClearHistory() { s.recent = s.recent[:0] }

// applyRepeatPenalty divides the logit of recently emitted tokens.
func (s *Sampler) applyRepeatPenalty(candidates []domain.TokenCandidate) {
	if len(s.recent) == 0 {
		return
	}
	seen := make(map[int32]struct{}, len(s.recent))
	for _, id := range s.recent {
		seen[id] = struct{}{}
	}
	for i := range candidates {
		if _, ok := seen[candidates[i].ID]; ok {
			candidates[i].Logit /= s.config.RepeatPenalty
		}
	}
}

// applyTemperature divides all logits by the temperature. Non-positive
// temperatures are rejected (left unscaled).
func applyTemperature(candidates []domain.TokenCandidate, temperature float32) {
	if temperature <= 0 {
		return
	}
	for i := range candidates {
		candidates[i].Logit /= temperature
	}
}

// applyTopK keeps only the k most probable candidates.
func applyTopK(candidates []domain.TokenCandidate, k int) []domain.TokenCandidate {
	if len(candidates) <= k {
		return candidates
	}
	sortByProbability(candidates)
	return candidates[:k]
}

// applyTopP keeps the smallest probability-sorted prefix whose cumulative
// probability reaches p.
func applyTopP(candidates []domain.TokenCandidate, p float32) []domain.TokenCandidate {
	if len(candidates) == 0 {
		return candidates
	}
	sortByProbability(candidates)

	var cumsum float32
	cutoff := len(candidates)
	for i, c := range candidates {
		cumsum += c.P
		if cumsum >= p {
			cutoff = i + 1
			break
		}
	}
	return candidates[:cutoff]
}

func sortByProbability(candidates []domain.TokenCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].P > candidates[j].P
	})
}

// greedySample returns the candidate with the highest probability.
func greedySample(candidates []domain.TokenCandidate) (int32, bool) {
	if len(candidates) == 0 {
		return 0, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.P > best.P {
			best = c
		}
	}
	return best.ID, true
}

// probabilisticSample softmaxes the logits (max-subtract for stability) and
// draws from the resulting distribution. Falls back to argmax when the
// distribution degenerates.
func (s *Sampler) probabilisticSample(candidates []domain.TokenCandidate) (int32, bool) {
	if len(candidates) == 0 {
		return 0, false
	}

	maxLogit := float32(math.Inf(-1))
	for _, c := range candidates {
		if c.Logit > maxLogit {
			maxLogit = c.Logit
		}
	}

	scores := make([]float64, len(candidates))
	var sum float64
	for i, c := range candidates {
		scores[i] = math.Exp(float64(c.Logit - maxLogit))
		sum += scores[i]
	}
	if sum <= 0 || math.IsNaN(sum) {
		return greedySample(candidates)
	}

	draw := s.rng.Float64() * sum
	var cum float64
	for i, score := range scores {
		cum += score
		if cum >= draw {
			return candidates[i].ID, true
		}
	}
	return candidates[len(candidates)-1].ID, true
}
