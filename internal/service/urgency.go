package service

import "strings"

// EmergencyNotice opens every answer to a question that mentions an emergency
const EmergencyNotice = "If this is a medical emergency, call your local emergency number (911 in the US) or go to the nearest emergency department now."

var urgentKeywords = []string{
	"chest pain",
	"can't breathe",
	"cannot breathe",
	"bleeding",
	"emergency",
	"severe pain",
	"heart attack",
	"stroke",
	"choking",
}

// IsUrgent reports whether the question mentions an emergency symptom
func IsUrgent(question string) bool {
	lower := strings.ToLower(strings.ReplaceAll(question, "’", "'"))
	for _, kw := range urgentKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// EscalatePrompt rewrites an urgent question so the model leads with
// emergency guidance. Other questions are returned unchanged.
func EscalatePrompt(question string) string {
	if !IsUrgent(question) {
		return question
	}
	return "URGENT: " + question + "\n\n(Provide emergency guidance immediately)"
}
