package sessions

import (
	"strings"

	"github.com/joescharf/triage/internal/agent"
	"github.com/joescharf/triage/internal/models"
)

// nativeStatuses maps every native agent status to its canonical state.
// Suspend/resume handshakes are still in flight, so they count as running.
var nativeStatuses = map[string]models.SessionStatus{
	agent.StatusWorking:                  models.SessionStatusRunning,
	agent.StatusSuspendRequested:         models.SessionStatusRunning,
	agent.StatusSuspendRequestedFrontend: models.SessionStatusRunning,
	agent.StatusResumeRequested:          models.SessionStatusRunning,
	agent.StatusResumeRequestedFrontend:  models.SessionStatusRunning,
	agent.StatusResumed:                  models.SessionStatusRunning,
	agent.StatusBlocked:                  models.SessionStatusBlocked,
	agent.StatusFinished:                 models.SessionStatusFinished,
	agent.StatusExpired:                  models.SessionStatusExpired,
}

// NativeStatuses returns the known native vocabulary.
func NativeStatuses() []string {
	out := make([]string, 0, len(nativeStatuses))
	for k := range nativeStatuses {
		out = append(out, k)
	}
	return out
}

// Normalize maps a native status to a canonical one. Unknown values map to
// running so callers keep polling; known reports whether the value was
// recognized.
func Normalize(native string) (status models.SessionStatus, known bool) {
	status, known = nativeStatuses[strings.ToLower(strings.TrimSpace(native))]
	if !known {
		return models.SessionStatusRunning, false
	}
	return status, true
}
