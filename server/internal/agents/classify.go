package agents

import (
	"strings"
	"unicode"
)

// Classify maps a free-text progress message to the most relevant agent.
// This is a best-effort keyword match used only when the pipeline did not tag the event.
// Anything unmatched lands on the Response Simplifier.
func Classify(message string) ID {
	t := strings.ToLower(message)

	switch {
	case strings.Contains(t, "shortlisting"),
		strings.Contains(t, "collecting patient symptoms"),
		strings.Contains(t, "symptom") && !strings.Contains(t, "complex"):
		return Symptom
	case strings.Contains(t, "complexity"),
		strings.Contains(t, "risk level"),
		strings.Contains(t, "classification"):
		return Complexity
	case strings.Contains(t, "pcp"), strings.Contains(t, "primary care"):
		return PrimaryCare
	case strings.Contains(t, "mdt"), strings.Contains(t, "specialist"):
		return SpecialistPanel
	case strings.Contains(t, "doctor review"), strings.Contains(t, "sign-off"):
		return DoctorReview
	default:
		return Simplifier
	}
}

// carriesLevel reports whether a complexity message already states the result.
// Levels must appear as whole words, so "following" or "highlight" do not count.
func carriesLevel(message string) bool {
	words := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		switch w {
		case "low", "medium", "high":
			return true
		}
	}
	return false
}

func isShortlistingDone(message string) bool {
	return strings.Contains(strings.ToLower(message), "shortlisting done")
}
