package sampler

import (
	"testing"

	"github.com/inferno-ai/inferno/internal/domain"
)

func candidates(triples ...[3]float32) []domain.TokenCandidate {
	out := make([]domain.TokenCandidate, 0, len(triples))
	for _, t := range triples {
		out = append(out, domain.TokenCandidate{ID: int32(t[0]), Logit: t[1], P: t[2]})
	}
	return out
}

func TestGreedySample(t *testing.T) {
	s := New(Config{Strategy: Greedy})

	id, ok := s.Sample(candidates(
		[3]float32{1, 0.1, 0.1},
		[3]float32{2, 0.5, 0.5},
		[3]float32{3, 0.3, 0.3},
	))
	if !ok {
		t.Fatal("Sample() reported empty")
	}
	if id != 2 {
		t.Errorf("Sample() = %d, want 2 (highest probability)", id)
	}
}

// Property 8: greedy sampling is deterministic.
func TestGreedy_Deterministic(t *testing.T) {
	s := New(Config{Strategy: Greedy})
	in := candidates(
		[3]float32{1, 0.2, 0.2},
		[3]float32{7, 0.6, 0.6},
		[3]float32{3, 0.2, 0.2},
	)
	first, _ := s.Sample(in)
	for i := 0; i < 10; i++ {
		got, _ := s.Sample(in)
		if got != first {
			t.Fatalf("greedy run %d = %d, want %d", i, got, first)
		}
	}
}

// S3: top_k=2 keeps {2,3} in probability order.
func TestApplyTopK(t *testing.T) {
	in := candidates(
		[3]float32{1, 0, 0.1},
		[3]float32{2, 0, 0.5},
		[3]float32{3, 0, 0.3},
		[3]float32{4, 0, 0.05},
	)
	out := applyTopK(in, 2)
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[0].ID != 2 || out[1].ID != 3 {
		t.Errorf("kept = [%d %d], want [2 3]", out[0].ID, out[1].ID)
	}
}

// S4: probs [0.5 0.3 0.15 0.05] at p=0.8 retain the first three.
func TestApplyTopP(t *testing.T) {
	in := candidates(
		[3]float32{1, 0, 0.5},
		[3]float32{2, 0, 0.3},
		[3]float32{3, 0, 0.15},
		[3]float32{4, 0, 0.05},
	)
	out := applyTopP(in, 0.8)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
}

// Property 9: surviving mass ≥ p, and no proper prefix also reaches p.
func TestApplyTopP_MinimalCoverage(t *testing.T) {
	in := candidates(
		[3]float32{1, 0, 0.4},
		[3]float32{2, 0, 0.25},
		[3]float32{3, 0, 0.2},
		[3]float32{4, 0, 0.1},
		[3]float32{5, 0, 0.05},
	)
	const p = 0.7
	out := applyTopP(in, p)

	var sum float32
	for _, c := range out {
		sum += c.P
	}
	if sum < p {
		t.Errorf("surviving mass %f < p %f", sum, p)
	}
	var withoutLast float32
	for _, c := range out[:len(out)-1] {
		withoutLast += c.P
	}
	if withoutLast >= p {
		t.Errorf("prefix without last already reaches p: %f", withoutLast)
	}
}

func TestApplyTemperature(t *testing.T) {
	in := candidates(
		[3]float32{1, 2.0, 0.1},
		[3]float32{2, 1.0, 0.5},
	)
	applyTemperature(in, 2.0)
	if in[0].Logit != 1.0 || in[1].Logit != 0.5 {
		t.Errorf("logits = [%f %f], want [1 0.5]", in[0].Logit, in[1].Logit)
	}

	// Non-positive temperature is rejected: logits unchanged.
	applyTemperature(in, 0)
	if in[0].Logit != 1.0 {
		t.Errorf("logit changed under temperature 0: %f", in[0].Logit)
	}
}

func TestSample_EmptyCandidates(t *testing.T) {
	s := New(DefaultConfig())
	if _, ok := s.Sample(nil); ok {
		t.Error("Sample(nil) should report false")
	}
}

// Property 8: a fixed seed makes probabilistic strategies reproducible.
func TestSeededDeterminism(t *testing.T) {
	seed := int64(42)
	cfg := Config{Strategy: TopKP, Temperature: 0.7, TopK: 3, TopP: 0.95, Seed: &seed}

	in := candidates(
		[3]float32{1, 1.0, 0.3},
		[3]float32{2, 1.2, 0.4},
		[3]float32{3, 0.8, 0.2},
		[3]float32{4, 0.2, 0.1},
	)

	run := func() []int32 {
		s := New(cfg)
		var out []int32
		for i := 0; i < 20; i++ {
			id, ok := s.Sample(in)
			if !ok {
				t.Fatal("Sample() reported empty")
			}
			out = append(out, id)
		}
		return out
	}

	a, b := run(), run()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("seeded runs diverge at %d: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestRecentTokensRingBounded(t *testing.T) {
	s := New(Config{Strategy: Greedy})
	in := candidates([3]float32{9, 0.5, 1.0})

	for i := 0; i < recentTokensCap+25; i++ {
		s.Sample(in)
	}
	if n := len(s.RecentTokens()); n != recentTokensCap {
		t.Errorf("recent ring = %d tokens, want %d", n, recentTokensCap)
	}

	s.ClearHistory()
	if len(s.RecentTokens()) != 0 {
		t.Error("ClearHistory() should empty the ring")
	}
}

func TestRepeatPenalty_DiscouragesRecent(t *testing.T) {
	cfg := Config{Strategy: Greedy, RepeatPenalty: 2.0}
	s := New(cfg)

	in := candidates(
		[3]float32{1, 4.0, 0.6},
		[3]float32{2, 3.5, 0.4},
	)
	first, _ := s.Sample(in)
	if first != 1 {
		t.Fatalf("first Sample() = %d, want 1", first)
	}
	// Greedy picks by probability, so the penalty shows up on the logits the
	// probabilistic path consumes; verify the recorded history and the
	// penalized logit directly.
	if got := s.RecentTokens(); len(got) != 1 || got[0] != 1 {
		t.Errorf("RecentTokens() = %v, want [1]", got)
	}
	again := candidates([3]float32{1, 4.0, 0.6}, [3]float32{2, 3.5, 0.4})
	s.applyRepeatPenalty(again)
	if again[0].Logit != 2.0 || again[1].Logit != 3.5 {
		t.Errorf("penalized logits = [%f %f], want [2 3.5]", again[0].Logit, again[1].Logit)
	}
}
