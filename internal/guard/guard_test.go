package guard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/fleetguard/internal/model"
)

func policy() model.GuardPolicy {
	return model.GuardPolicy{
		EnforceAllowlist:     true,
		MaxCommandsPerAction: 3,
		MaxCommandLength:     40,
		AllowPatterns: []string{
			`systemctl (restart|status) [a-z0-9-]+`,
			`^df -h$`,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		commands []string
		want     []Violation
	}{
		{"pass", []string{"systemctl restart nginx", "df -h"}, nil},
		{"too many", []string{"df -h", "df -h", "df -h", "df -h"}, []Violation{{-1, ReasonTooManyCommands}}},
		{"empty", []string{"df -h", "  "}, []Violation{{1, ReasonEmptyCommand}}},
		{"too long", []string{"systemctl restart " + strings.Repeat("a", 30)}, []Violation{{0, ReasonCommandTooLong}}},
		{"not allowlisted", []string{"rm -rf /"}, []Violation{{0, ReasonNotAllowlisted}}},
		{"anchored", []string{"sudo systemctl restart nginx"}, []Violation{{0, ReasonNotAllowlisted}}},
		{"chained", []string{"df -h; reboot"}, []Violation{{0, ReasonShellMetacharacters}, {0, ReasonNotAllowlisted}}},
	}
	g, err := Compile(policy())
	require.NoError(t, err)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Validate(tt.commands))
		})
	}
}

func TestValidate_AllowlistNotEnforced(t *testing.T) {
	p := policy()
	p.EnforceAllowlist = false
	assert.Empty(t, Validate([]string{"echo ok | tee /tmp/x"}, p))
	// length and count still apply
	assert.Equal(t, []Violation{{0, ReasonCommandTooLong}}, Validate([]string{strings.Repeat("x", 41)}, p))
}

func TestValidate_Deterministic(t *testing.T) {
	cmds := []string{"rm -rf /", "", "df -h"}
	first := Validate(cmds, policy())
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Validate(cmds, policy()))
	}
}

func TestCompile_InvalidPattern(t *testing.T) {
	p := policy()
	p.AllowPatterns = append(p.AllowPatterns, "(")
	_, err := Compile(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow_patterns[2]")

	// the one-shot form skips the broken pattern
	assert.Empty(t, Validate([]string{"df -h"}, p))
}

func TestSummary(t *testing.T) {
	s := Summary([]Violation{{-1, ReasonTooManyCommands}, {2, ReasonNotAllowlisted}})
	assert.Equal(t, "too_many_commands; command[2]: not_allowlisted", s)
}

func TestValidate_AlternationIsFullyAnchored(t *testing.T) {
	p := policy()
	p.AllowPatterns = []string{`^apt-get install -y nginx|^uptime`, `uptime|reboot$`}
	tests := []struct {
		cmd  string
		want []Violation
	}{
		{"apt-get install -y nginx", nil},
		{"uptime", nil},
		{"reboot", nil},
		{"apt-get install -y nginx evil-pkg", []Violation{{0, ReasonNotAllowlisted}}},
		{"uptime --since", []Violation{{0, ReasonNotAllowlisted}}},
		{"sudo reboot", []Violation{{0, ReasonNotAllowlisted}}},
	}
	p.MaxCommandLength = 100
	for _, tt := range tests {
		assert.Equal(t, tt.want, Validate([]string{tt.cmd}, p), tt.cmd)
	}
}

func TestAnchor(t *testing.T) {
	assert.Equal(t, `^(?:a|^b)$`, anchor(`^a|^b`))
	assert.Equal(t, `^(?:df -h)$`, anchor(`^df -h$`))
	assert.Equal(t, `^(?:cost \$)$`, anchor(`cost \$`))
}
