package eventlog

import "time"

// Entry is one protocol trace line captured from the signaling agent.
//
// Invariants:
// - Entries are never updated or deleted.
// - Timestamp never goes backwards relative to the previous entry.
type Entry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// Level is the agent's level name (error, warn, log, debug).
	Level Level `json:"level"`
	// Category names the emitting subsystem, e.g. "sip.transport".
	Category string `json:"category"`
	Label    string `json:"label,omitempty"`
	Content  string `json:"content"`
}

type Level string

const (
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelLog   Level = "log"
	LevelDebug Level = "debug"
)

// Rank places a level on the agent's numeric scale (0 error .. 3 debug).
// Unknown levels rank as log.
func (l Level) Rank() int {
	switch l {
	case LevelError:
		return 0
	case LevelWarn:
		return 1
	case LevelDebug:
		return 3
	default:
		return 2
	}
}
