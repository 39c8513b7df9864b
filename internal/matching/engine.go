// Package matching picks a doctor for a consultation request.
package matching

import (
	"github.com/hackgods/teleconsult-signaling/internal/availability"
)

// CandidateFinder is the read side of the availability registry.
type CandidateFinder interface {
	FindCandidates(category string, excludeIDs []string) []availability.Doctor
}

// Engine holds no state of its own; the same registry snapshot always
// yields the same doctor.
type Engine struct {
	finder CandidateFinder
}

func NewEngine(finder CandidateFinder) *Engine {
	return &Engine{finder: finder}
}

// Match returns the best ranked candidate, or false when nobody can take
// the request right now.
func (e *Engine) Match(category string, excludeIDs []string) (availability.Doctor, bool) {
	candidates := e.finder.FindCandidates(category, excludeIDs)
	if len(candidates) == 0 {
		return availability.Doctor{}, false
	}
	return candidates[0], true
}
