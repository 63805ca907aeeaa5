// Package resolve picks the single most relevant session out of many.
package resolve

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Candidate is anything anchored to a session.
type Candidate interface {
	SessionStatus() model.SessionStatus
	SessionStart() time.Time
	SessionEnd(now time.Time) time.Time
}

type tier int

const (
	tierRunning tier = iota
	tierUpcoming
	tierEnded
)

func tierOf(s model.SessionStatus) tier {
	switch {
	case s.Running():
		return tierRunning
	case s == model.SessionStatusScheduled:
		return tierUpcoming
	default:
		return tierEnded
	}
}

// Closest returns the item whose session is most relevant at now:
// a running session (earliest start) beats the nearest upcoming one, which
// beats the most recently ended one. Ties keep the earlier item.
func Closest[T Candidate](items []T, now time.Time) (T, bool) {
	var best T
	if len(items) == 0 {
		return best, false
	}
	best = items[0]
	for _, it := range items[1:] {
		if before(it, best, now) {
			best = it
		}
	}
	return best, true
}

func before[T Candidate](a, b T, now time.Time) bool {
	ta, tb := tierOf(a.SessionStatus()), tierOf(b.SessionStatus())
	if ta != tb {
		return ta < tb
	}
	if ta == tierEnded {
		return a.SessionEnd(now).After(b.SessionEnd(now))
	}
	return a.SessionStart().Before(b.SessionStart())
}
