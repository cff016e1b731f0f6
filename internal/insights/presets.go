// Package insights surfaces anomalies, stability scores, a trader
// leaderboard and an overall risk band on top of the consensus state.
package insights

// Insight modes.
const (
	ModeConservative = "conservative"
	ModeBalanced     = "balanced"
	ModeAggressive   = "aggressive"
)

// Risk bands.
const (
	RiskBandLow    = "LOW"
	RiskBandMedium = "MEDIUM"
	RiskBandHigh   = "HIGH"
)

// Preset holds the per-mode thresholds the engine evaluates symbols against.
// Conservative flags early; aggressive tolerates more heat.
type Preset struct {
	Name               string  `json:"name"`
	CrowdedTraders     int     `json:"crowded_traders"`      // totalTraders at or above flags crowding
	HighLeverage       float64 `json:"high_leverage"`        // weighted avg leverage at or above flags a spike
	UnstableBelow      float64 `json:"unstable_below"`       // stability score below flags churn
	LowConfidenceBelow float64 `json:"low_confidence_below"` // confidence below flags weak consensus
}

var presets = map[string]Preset{
	ModeConservative: {
		Name:               ModeConservative,
		CrowdedTraders:     3,
		HighLeverage:       15,
		UnstableBelow:      60,
		LowConfidenceBelow: 50,
	},
	ModeBalanced: {
		Name:               ModeBalanced,
		CrowdedTraders:     4,
		HighLeverage:       20,
		UnstableBelow:      50,
		LowConfidenceBelow: 40,
	},
	ModeAggressive: {
		Name:               ModeAggressive,
		CrowdedTraders:     6,
		HighLeverage:       30,
		UnstableBelow:      35,
		LowConfidenceBelow: 25,
	},
}

// PresetFor returns the preset for a mode, defaulting to balanced.
func PresetFor(mode string) Preset {
	if p, ok := presets[mode]; ok {
		return p
	}
	return presets[ModeBalanced]
}
