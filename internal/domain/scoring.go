package domain

import (
	"fmt"
	"math"
)

// Scoring constants: every question is worth up to 10 points, with a floor
// of 1 for any correct answer regardless of how late it arrived.
const (
	BasePoints = 10.0
	MinPoints  = 1.0

	DefaultTimeLimitSec = 30
)

// Score maps response latency and correctness to points.
//
//	incorrect                  -> 0
//	correct, t <= 0            -> 10 (clock-skew clamp)
//	correct                    -> round(10 * max(0, 1 - t/limit) * 10) / 10, floored at 1
//
// The result is always within [0, 10] and quantized to one decimal place.
func Score(responseTimeMs int64, correct bool, timeLimitSec int) float64 {
	if !correct {
		return 0
	}
	if timeLimitSec <= 0 {
		timeLimitSec = DefaultTimeLimitSec
	}
	responseTimeSec := float64(responseTimeMs) / 1000
	if responseTimeSec <= 0 {
		return BasePoints
	}

	timeFactor := math.Max(0, 1-responseTimeSec/float64(timeLimitSec))
	points := math.Round(BasePoints*timeFactor*10) / 10
	return math.Max(points, MinPoints)
}

// FormatScore renders whole scores without a decimal and everything else
// with one decimal place, matching how scores are quantized.
func FormatScore(score float64) string {
	if score == math.Trunc(score) {
		return fmt.Sprintf("%d", int64(score))
	}
	return fmt.Sprintf("%.1f", score)
}

// RankSuffix returns the ordinal suffix for a leaderboard rank (1st, 2nd, ...).
func RankSuffix(rank int) string {
	if r := rank % 100; r >= 11 && r <= 13 {
		return "th"
	}
	switch rank % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	default:
		return "th"
	}
}
