package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresets(t *testing.T) {
	for _, name := range []string{PresetFree, PresetPro, PresetEnterprise} {
		t.Run(name, func(t *testing.T) {
			p := Preset(name)
			require.NotNil(t, p)
			assert.NoError(t, p.Validate())
		})
	}
	assert.Nil(t, Preset("platinum"))
}

func TestValidateRejectsOverlap(t *testing.T) {
	p := &Profile{
		AllowedTools:     []string{"Read", "Bash"},
		BlockedTools:     []string{"Bash"},
		FilesystemAccess: FSNone,
	}
	assert.Error(t, p.Validate())
}

func TestValidateRejectsBadFilesystemAccess(t *testing.T) {
	p := &Profile{FilesystemAccess: "full"}
	assert.Error(t, p.Validate())
}

func TestCheckTools(t *testing.T) {
	p := Preset(PresetFree) // allowed: Read, Grep, Glob; blocked: Bash, Write, Edit

	assert.NoError(t, p.CheckTools([]string{"Read", "Grep"}))

	err := p.CheckTools([]string{"Read", "Bash"})
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "Bash", denied.Field)

	// Not blocked, but also not allowed.
	err = p.CheckTools([]string{"WebFetch"})
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "WebFetch", denied.Field)
}

func TestToolAllowedIsAllowAndNotBlock(t *testing.T) {
	p := &Profile{
		AllowedTools: []string{"Read", "Write"},
		BlockedTools: []string{"Write"}, // set directly to exercise check-time semantics
	}
	assert.True(t, p.ToolAllowed("Read"))
	assert.False(t, p.ToolAllowed("Write"))
	assert.False(t, p.ToolAllowed("Bash"))
}

func TestCheckAgentsAndSkills(t *testing.T) {
	p := Preset(PresetPro)

	assert.NoError(t, p.CheckAgents([]string{"researcher"}))
	assert.NoError(t, p.CheckSkills([]string{"web-search"}))

	var denied *DeniedError
	require.ErrorAs(t, p.CheckAgents([]string{"coder"}), &denied)
	assert.Equal(t, "coder", denied.Field)

	require.ErrorAs(t, p.CheckSkills([]string{"data-analysis"}), &denied)
	assert.Equal(t, "data-analysis", denied.Field)
}

func TestCheckCaps(t *testing.T) {
	p := Preset(PresetFree) // 120s, $0.10

	assert.NoError(t, p.CheckCaps(60*time.Second, 0.05))

	var denied *DeniedError
	require.ErrorAs(t, p.CheckCaps(5*time.Minute, 0.05), &denied)
	assert.Equal(t, "timeout", denied.Field)

	require.ErrorAs(t, p.CheckCaps(60*time.Second, 1.00), &denied)
	assert.Equal(t, "max_cost", denied.Field)
}
