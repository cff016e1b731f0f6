package scoring

import (
	"context"
	"math"
	"testing"
	"time"

	"copytrade-radar/internal/database"
)

func floatEquals(a, b, tolerance float64) bool {
	return math.Abs(a-b) < tolerance
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name string
		pnl  float64
		want float64
	}{
		{"negative pnl floors at zero", -500, 0},
		{"zero pnl", 0, 0},
		{"small pnl", 9, 25},       // log10(10)*25
		{"large pnl", 99999, 125},  // clipped below
		{"moderate pnl", 999, 75},  // log10(1000)*25
	}
	for _, tt := range tests {
		got := QualityScore(tt.pnl)
		want := tt.want
		if want > 100 {
			want = 100
		}
		if !floatEquals(got, want, 0.01) {
			t.Errorf("%s: QualityScore(%v) = %v, want %v", tt.name, tt.pnl, got, want)
		}
	}
}

func TestConfidenceTier(t *testing.T) {
	tests := []struct {
		samples int
		want    string
	}{
		{0, ConfidenceLow},
		{7, ConfidenceLow},
		{8, ConfidenceMedium},
		{19, ConfidenceMedium},
		{20, ConfidenceHigh},
		{500, ConfidenceHigh},
	}
	for _, tt := range tests {
		if got := ConfidenceTier(tt.samples); got != tt.want {
			t.Errorf("ConfidenceTier(%d) = %s, want %s", tt.samples, got, tt.want)
		}
	}
}

func TestWinAdjClipping(t *testing.T) {
	if got := winAdj(0.0); !floatEquals(got, 0.3, 1e-9) {
		t.Errorf("winAdj(0) = %v, want clipped 0.3", got)
	}
	if got := winAdj(1.0); !floatEquals(got, 1.3, 1e-9) {
		t.Errorf("winAdj(1) = %v, want clipped 1.3", got)
	}
	if got := winAdj(0.5); !floatEquals(got, 1.0, 1e-9) {
		t.Errorf("winAdj(0.5) = %v, want 1.0", got)
	}
	if got := winAdj(0.6); !floatEquals(got, 1.2, 1e-9) {
		t.Errorf("winAdj(0.6) = %v, want 1.2", got)
	}
}

func TestTraderWeightBounds(t *testing.T) {
	// Best possible trader still lands in [0,1].
	w := TraderWeight(100, ConfidenceHigh, 1.0, 100, time.Minute)
	if w < 0 || w > 1 {
		t.Fatalf("weight %v outside [0,1]", w)
	}

	// No samples means no weight regardless of the rest.
	if w := TraderWeight(100, ConfidenceHigh, 1.0, 0, time.Minute); w != 0 {
		t.Errorf("zero samples must yield zero weight, got %v", w)
	}

	// Stale traders carry no weight.
	if w := TraderWeight(100, ConfidenceHigh, 1.0, 100, 25*time.Hour); w != 0 {
		t.Errorf("stale trader must yield zero weight, got %v", w)
	}
	if w := TraderWeight(100, ConfidenceHigh, 1.0, 100, 24*time.Hour); w != 0 {
		t.Errorf("24h-old trader must yield zero weight, got %v", w)
	}
}

func TestTraderWeightAvailabilityPenalty(t *testing.T) {
	fresh := TraderWeight(50, ConfidenceMedium, 0.6, 10, 30*time.Minute)
	stale := TraderWeight(50, ConfidenceMedium, 0.6, 10, 5*time.Hour)
	if !floatEquals(stale, fresh*0.75, 1e-9) {
		t.Errorf("5h-old weight %v, want 0.75x fresh weight %v", stale, fresh)
	}
}

type fakeScoreStore struct {
	pnlSum float64
	wins   int
	total  int
	saved  *database.TraderScore
}

func (f *fakeScoreStore) GetCloseEventStats(_ context.Context, _ string, _ time.Time) (float64, int, int, error) {
	return f.pnlSum, f.wins, f.total, nil
}

func (f *fakeScoreStore) UpsertTraderScore(_ context.Context, s *database.TraderScore) error {
	f.saved = s
	return nil
}

func TestRecompute(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeScoreStore{pnlSum: 999, wins: 15, total: 25}

	score, err := Recompute(context.Background(), store, "T1", "binance", now, now)
	if err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	if store.saved == nil {
		t.Fatal("score was not persisted")
	}

	if !floatEquals(score.QualityScore, 75, 0.01) {
		t.Errorf("qualityScore = %v, want 75", score.QualityScore)
	}
	if score.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %s, want high", score.Confidence)
	}
	if !floatEquals(score.WinRate, 0.6, 1e-9) {
		t.Errorf("winRate = %v, want 0.6", score.WinRate)
	}
	if score.SampleSize != 25 {
		t.Errorf("sampleSize = %d, want 25", score.SampleSize)
	}

	// baseWeight(75)=0.8, high=1.0, winAdj(0.6)=1.2, fresh=1.0
	if !floatEquals(score.TraderWeight, 0.96, 0.01) {
		t.Errorf("traderWeight = %v, want 0.96", score.TraderWeight)
	}
}

func TestRecomputeNoHistory(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeScoreStore{}

	score, err := Recompute(context.Background(), store, "T2", "binance", now, now)
	if err != nil {
		t.Fatal(err)
	}
	if score.TraderWeight != 0 {
		t.Errorf("no history must yield zero weight, got %v", score.TraderWeight)
	}
	if score.WinRate != 0 || score.SampleSize != 0 {
		t.Errorf("unexpected stats: winRate=%v samples=%d", score.WinRate, score.SampleSize)
	}
}
