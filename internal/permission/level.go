// Package permission implements the three-tier access model for agent
// context records: self_only, team_level and session_level, plus the
// cached resolver and the audited mutation path.
package permission

import (
	"fmt"

	"github.com/openfleet/contextd/internal/faults"
)

// Level is an agent's access tier. The set is fixed; anything else is a
// validation error.
type Level string

const (
	// SelfOnly restricts an agent to its own records. Default for every
	// agent and the target of every expiration downgrade.
	SelfOnly Level = "self_only"
	// TeamLevel grants visibility over the agent's (team, session) pair.
	TeamLevel Level = "team_level"
	// SessionLevel grants visibility over the whole session.
	SessionLevel Level = "session_level"
)

// ParseLevel validates a raw level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case SelfOnly, TeamLevel, SessionLevel:
		return Level(s), nil
	default:
		return "", fmt.Errorf("%w: unknown access level %q", faults.ErrValidation, s)
	}
}

func (l Level) rank() int {
	switch l {
	case SelfOnly:
		return 0
	case TeamLevel:
		return 1
	case SessionLevel:
		return 2
	default:
		return -1
	}
}

// WidensOver reports whether l grants strictly more visibility than other.
// Unknown levels never widen.
func (l Level) WidensOver(other Level) bool {
	return l.rank() > other.rank()
}

func (l Level) String() string {
	return string(l)
}
