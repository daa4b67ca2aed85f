package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/triage/internal/models"
)

func TestNormalize_NativeVocabulary(t *testing.T) {
	tests := []struct {
		native string
		want   models.SessionStatus
	}{
		{"working", models.SessionStatusRunning},
		{"suspend_requested", models.SessionStatusRunning},
		{"suspend_requested_frontend", models.SessionStatusRunning},
		{"resume_requested", models.SessionStatusRunning},
		{"resume_requested_frontend", models.SessionStatusRunning},
		{"resumed", models.SessionStatusRunning},
		{"blocked", models.SessionStatusBlocked},
		{"finished", models.SessionStatusFinished},
		{"expired", models.SessionStatusExpired},
	}

	assert.Len(t, NativeStatuses(), len(tests))

	for _, tt := range tests {
		t.Run(tt.native, func(t *testing.T) {
			got, known := Normalize(tt.native)
			assert.True(t, known)
			assert.Equal(t, tt.want, got)

			again, _ := Normalize(tt.native)
			assert.Equal(t, got, again, "mapping must be stable")
		})
	}
}

func TestNormalize_CaseAndWhitespace(t *testing.T) {
	got, known := Normalize("  FINISHED\n")
	assert.True(t, known)
	assert.Equal(t, models.SessionStatusFinished, got)
}

func TestNormalize_UnknownKeepsPolling(t *testing.T) {
	for _, native := range []string{"", "stopped", "running", "exploded"} {
		got, known := Normalize(native)
		assert.False(t, known, native)
		assert.Equal(t, models.SessionStatusRunning, got, native)
	}
}

func TestNormalize_Total(t *testing.T) {
	canonical := map[models.SessionStatus]bool{
		models.SessionStatusRunning:  true,
		models.SessionStatusBlocked:  true,
		models.SessionStatusFinished: true,
		models.SessionStatusExpired:  true,
	}
	for _, native := range NativeStatuses() {
		got, _ := Normalize(native)
		assert.True(t, canonical[got], native)
	}
}
