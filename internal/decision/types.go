package decision

import (
	"time"

	"confluence-core/pkg/types"
)

// Confidence bands a confluence score for consumers that do not want the raw
// number.
type Confidence string

const (
	ConfidenceLow      Confidence = "LOW"
	ConfidenceMedium   Confidence = "MEDIUM"
	ConfidenceHigh     Confidence = "HIGH"
	ConfidenceVeryHigh Confidence = "VERY_HIGH"
)

// PrimaryResult records one gate check for observability.
type PrimaryResult struct {
	Name      string
	Passed    bool
	Direction types.PositionSide
	Reason    string
}

// Signal is the decision engine's output: one qualified trade idea with the
// full scoring breakdown.
type Signal struct {
	ID               string
	Pair             types.Pair
	Side             types.PositionSide
	EntryPrice       float64
	ConfluenceScore  float64
	MaxPossibleScore float64
	Confidence       Confidence
	Primaries        []PrimaryResult
	FilterScores     map[string]float64
	FilterReasons    map[string]string
	SuggestedStop    float64
	SuggestedTarget  float64 // zero when no target was derived
	CreatedAt        time.Time
}
