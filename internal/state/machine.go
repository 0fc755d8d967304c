// Package state implements the processing item status machine. All functions
// are pure; persistence and event emission belong to the orchestrator.
package state

import (
	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/models"
)

// forwardOrder is the canonical linear progression. Skipping forward is
// legal, going backward is not.
var forwardOrder = []models.ProcessingStatus{
	models.ProcessingStatusPending,
	models.ProcessingStatusSearching,
	models.ProcessingStatusFound,
	models.ProcessingStatusDownloading,
	models.ProcessingStatusDownloaded,
	models.ProcessingStatusEncoding,
	models.ProcessingStatusEncoded,
	models.ProcessingStatusDelivering,
	models.ProcessingStatusCompleted,
}

var forwardRank = func() map[models.ProcessingStatus]int {
	m := make(map[models.ProcessingStatus]int, len(forwardOrder))
	for i, s := range forwardOrder {
		m[s] = i
	}
	return m
}()

// IsTerminal reports whether the status ends the item lifecycle. failed is
// terminal in the sense that no forward progress happens from it; its single
// exit is the explicit retry edge back to pending.
func IsTerminal(s models.ProcessingStatus) bool {
	switch s {
	case models.ProcessingStatusCompleted, models.ProcessingStatusFailed,
		models.ProcessingStatusCancelled, models.ProcessingStatusSkipped:
		return true
	default:
		return false
	}
}

// IsTerminalPositive reports statuses that satisfy a TV request's rollup.
func IsTerminalPositive(s models.ProcessingStatus) bool {
	return s == models.ProcessingStatusCompleted || s == models.ProcessingStatusSkipped
}

// CanRetry reports whether the status permits the retry edge to pending.
func CanRetry(s models.ProcessingStatus) bool {
	return s == models.ProcessingStatusFailed
}

// RequiresValidation reports statuses whose entry carries a context payload
// the orchestrator must verify: found needs a selected release or an existing
// download, downloaded needs a located source file, encoded needs the encoded
// file list.
func RequiresValidation(s models.ProcessingStatus) bool {
	switch s {
	case models.ProcessingStatusFound, models.ProcessingStatusDownloaded,
		models.ProcessingStatusEncoded:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from → to is a legal edge. A status never
// transitions to itself; replays are short-circuited by the orchestrator
// before the machine is consulted.
func CanTransition(from, to models.ProcessingStatus) bool {
	if !from.IsValid() || !to.IsValid() || from == to {
		return false
	}

	// The retry edge is the only way out of failed.
	if from == models.ProcessingStatusFailed {
		return to == models.ProcessingStatusPending
	}
	if IsTerminal(from) {
		return false
	}

	switch to {
	case models.ProcessingStatusFailed, models.ProcessingStatusCancelled:
		return true
	case models.ProcessingStatusSkipped:
		// Only items that have not started downloading can be skipped.
		switch from {
		case models.ProcessingStatusPending, models.ProcessingStatusSearching,
			models.ProcessingStatusFound:
			return true
		default:
			return false
		}
	case models.ProcessingStatusPending:
		return false
	}

	fromRank, ok := forwardRank[from]
	if !ok {
		return false
	}
	toRank, ok := forwardRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Transition validates from → to and returns to, or an InvalidTransition
// error naming both ends.
func Transition(from, to models.ProcessingStatus) (models.ProcessingStatus, error) {
	if !CanTransition(from, to) {
		return from, apperrors.New(apperrors.KindInvalidTransition,
			"cannot transition item from %q to %q", from, to)
	}
	return to, nil
}

// NextStates returns every status reachable from the given one.
func NextStates(from models.ProcessingStatus) []models.ProcessingStatus {
	all := []models.ProcessingStatus{
		models.ProcessingStatusPending,
		models.ProcessingStatusSearching,
		models.ProcessingStatusFound,
		models.ProcessingStatusDownloading,
		models.ProcessingStatusDownloaded,
		models.ProcessingStatusEncoding,
		models.ProcessingStatusEncoded,
		models.ProcessingStatusDelivering,
		models.ProcessingStatusCompleted,
		models.ProcessingStatusFailed,
		models.ProcessingStatusCancelled,
		models.ProcessingStatusSkipped,
	}
	var out []models.ProcessingStatus
	for _, to := range all {
		if CanTransition(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// NaturalNext returns the immediate successor on the linear path, or false
// when the status has no natural successor.
func NaturalNext(s models.ProcessingStatus) (models.ProcessingStatus, bool) {
	rank, ok := forwardRank[s]
	if !ok || rank+1 >= len(forwardOrder) {
		return s, false
	}
	return forwardOrder[rank+1], true
}
