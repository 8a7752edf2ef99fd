package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_MatchesItsKind(t *testing.T) {
	kinds := []IDType{IDTypeRun, IDTypeIncident, IDTypeEvent, IDTypeAudit}
	seen := map[string]bool{}
	for _, kind := range kinds {
		for i := 0; i < 20; i++ {
			id := NewID(kind)
			require.NoError(t, CheckID(kind, id))
			assert.False(t, seen[id], "duplicate %s", id)
			seen[id] = true
		}
	}
}

func TestCheckID(t *testing.T) {
	tests := []struct {
		name string
		kind IDType
		id   string
		ok   bool
	}{
		{"run", IDTypeRun, "run_1771722000_a3f2b7c1", true},
		{"incident", IDTypeIncident, "inc_1771722060_b7c1d4e9", true},
		{"incident id on run route", IDTypeRun, "inc_1771722060_b7c1d4e9", false},
		{"run id on incident route", IDTypeIncident, "run_1771722000_a3f2b7c1", false},
		{"short timestamp", IDTypeRun, "run_177172200_a3f2b7c1", false},
		{"uppercase hex", IDTypeRun, "run_1771722000_A3F2B7C1", false},
		{"path traversal", IDTypeRun, "../etc/passwd", false},
		{"empty", IDTypeRun, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckID(tt.kind, tt.id)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrMalformedID)
		})
	}
}
