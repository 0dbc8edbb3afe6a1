package orchestrator

import (
	"encoding/json"
	"strings"
)

var connectivePhrases = []string{"and then", "after that", "next,", "finally"}

// ComputeComplexity scores a task description and its structured
// inputs into [0,1]. The score is a pure function of its inputs:
// identical description/structuredInputs pairs always produce the
// same score.
func ComputeComplexity(description string, structuredInputs interface{}) float64 {
	length := lengthScore(description)
	connective := connectiveScore(description)
	structured := structuredScore(structuredInputs)

	score := 0.45*length + 0.35*connective + 0.20*structured
	return clamp01(score)
}

func lengthScore(description string) float64 {
	tokens := len(strings.Fields(description))
	return clamp01(float64(tokens) / 200.0)
}

func connectiveScore(description string) float64 {
	lower := strings.ToLower(description)
	if hasNumberedList(lower) {
		return 1.0
	}

	matches := 0
	for _, phrase := range connectivePhrases {
		if strings.Contains(lower, phrase) {
			matches++
		}
	}
	if matches >= 2 {
		return 1.0
	}
	// 0 or 1 match: scale so the branch tops out at 0.5 (2+ matches
	// already returned 1.0 above).
	return clamp01(float64(matches) * 0.5)
}

// hasNumberedList detects a "1." / "2)" style list item anywhere in
// the (already lower-cased) text.
func hasNumberedList(lower string) bool {
	for i := 0; i < len(lower)-1; i++ {
		if lower[i] >= '1' && lower[i] <= '9' {
			next := lower[i+1]
			if next == '.' || next == ')' {
				return true
			}
		}
	}
	return false
}

func structuredScore(structuredInputs interface{}) float64 {
	if structuredInputs == nil {
		return 0
	}
	b, err := json.Marshal(structuredInputs)
	if err != nil {
		return 0
	}
	return clamp01(float64(len(b)) / 2048.0)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
