// Package permission stores per-key permission profiles and performs the
// allow/block checks run at admission. A profile is two tool sets plus
// numeric caps; the tier presets only seed new keys.
package permission

import (
	"fmt"
	"time"
)

// FilesystemAccess enumerates the working-directory access levels.
type FilesystemAccess string

// Filesystem access levels.
const (
	FSNone      FilesystemAccess = "none"
	FSReadOnly  FilesystemAccess = "readonly"
	FSReadWrite FilesystemAccess = "readwrite"
)

// Profile is the per-key permission record. The effective allowlist at
// check time is (allowed ∧ ¬blocked).
type Profile struct {
	AllowedTools        []string         `json:"allowed_tools"`
	BlockedTools        []string         `json:"blocked_tools"`
	AllowedAgents       []string         `json:"allowed_agents"`
	AllowedSkills       []string         `json:"allowed_skills"`
	MaxConcurrentTasks  int              `json:"max_concurrent_tasks"`
	MaxExecutionSeconds int              `json:"max_execution_seconds"`
	MaxCostPerTask      float64          `json:"max_cost_per_task"`
	MaxMemoryMB         int              `json:"max_memory_mb"`
	FilesystemAccess    FilesystemAccess `json:"filesystem_access"`
	NetworkAccess       bool             `json:"network_access"`
}

// DeniedError names the first offending element of a rejected request.
type DeniedError struct {
	Field  string
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied for %q: %s", e.Field, e.Reason)
}

// Preset names.
const (
	PresetFree       = "free"
	PresetPro        = "pro"
	PresetEnterprise = "enterprise"
)

// Preset returns one of the canonical seed profiles, or nil for an unknown
// name.
func Preset(name string) *Profile {
	switch name {
	case PresetFree:
		return &Profile{
			AllowedTools:        []string{"Read", "Grep", "Glob"},
			BlockedTools:        []string{"Bash", "Write", "Edit"},
			MaxConcurrentTasks:  1,
			MaxExecutionSeconds: 120,
			MaxCostPerTask:      0.10,
			MaxMemoryMB:         256,
			FilesystemAccess:    FSNone,
			NetworkAccess:       false,
		}
	case PresetPro:
		return &Profile{
			AllowedTools:        []string{"Read", "Grep", "Glob", "Write", "Edit", "WebFetch"},
			BlockedTools:        []string{"Bash"},
			AllowedAgents:       []string{"researcher", "summarizer"},
			AllowedSkills:       []string{"web-search"},
			MaxConcurrentTasks:  4,
			MaxExecutionSeconds: 600,
			MaxCostPerTask:      2.00,
			MaxMemoryMB:         1024,
			FilesystemAccess:    FSReadOnly,
			NetworkAccess:       true,
		}
	case PresetEnterprise:
		return &Profile{
			AllowedTools:        []string{"Read", "Grep", "Glob", "Write", "Edit", "Bash", "WebFetch"},
			AllowedAgents:       []string{"researcher", "summarizer", "coder", "reviewer"},
			AllowedSkills:       []string{"web-search", "code-review", "data-analysis"},
			MaxConcurrentTasks:  16,
			MaxExecutionSeconds: 1800,
			MaxCostPerTask:      20.00,
			MaxMemoryMB:         4096,
			FilesystemAccess:    FSReadWrite,
			NetworkAccess:       true,
		}
	}
	return nil
}

// Validate rejects profiles whose allowed and blocked tool sets overlap.
// Enforced at write time so check time can assume disjoint sets.
func (p *Profile) Validate() error {
	blocked := toSet(p.BlockedTools)
	for _, tool := range p.AllowedTools {
		if blocked[tool] {
			return fmt.Errorf("tool %q is both allowed and blocked", tool)
		}
	}
	switch p.FilesystemAccess {
	case FSNone, FSReadOnly, FSReadWrite:
	default:
		return fmt.Errorf("invalid filesystem_access %q", p.FilesystemAccess)
	}
	if p.MaxConcurrentTasks < 0 || p.MaxExecutionSeconds < 0 || p.MaxCostPerTask < 0 || p.MaxMemoryMB < 0 {
		return fmt.Errorf("numeric caps must be non-negative")
	}
	return nil
}

// ToolAllowed reports whether a single tool passes (allowed ∧ ¬blocked).
func (p *Profile) ToolAllowed(tool string) bool {
	return toSet(p.AllowedTools)[tool] && !toSet(p.BlockedTools)[tool]
}

// CheckTools returns a DeniedError naming the first tool outside the
// effective allowlist.
func (p *Profile) CheckTools(tools []string) error {
	allowed := toSet(p.AllowedTools)
	blocked := toSet(p.BlockedTools)
	for _, tool := range tools {
		if blocked[tool] {
			return &DeniedError{Field: tool, Reason: "tool is blocked"}
		}
		if !allowed[tool] {
			return &DeniedError{Field: tool, Reason: "tool is not in the allowlist"}
		}
	}
	return nil
}

// CheckAgents verifies every requested agent is allowed.
func (p *Profile) CheckAgents(agents []string) error {
	allowed := toSet(p.AllowedAgents)
	for _, agent := range agents {
		if !allowed[agent] {
			return &DeniedError{Field: agent, Reason: "agent is not in the allowlist"}
		}
	}
	return nil
}

// CheckSkills verifies every requested skill is allowed.
func (p *Profile) CheckSkills(skills []string) error {
	allowed := toSet(p.AllowedSkills)
	for _, skill := range skills {
		if !allowed[skill] {
			return &DeniedError{Field: skill, Reason: "skill is not in the allowlist"}
		}
	}
	return nil
}

// CheckCaps verifies the requested timeout and per-task cost against the
// profile's numeric caps.
func (p *Profile) CheckCaps(timeout time.Duration, maxCost float64) error {
	if p.MaxExecutionSeconds > 0 && timeout > time.Duration(p.MaxExecutionSeconds)*time.Second {
		return &DeniedError{Field: "timeout", Reason: fmt.Sprintf("exceeds cap of %ds", p.MaxExecutionSeconds)}
	}
	if p.MaxCostPerTask > 0 && maxCost > p.MaxCostPerTask {
		return &DeniedError{Field: "max_cost", Reason: fmt.Sprintf("exceeds cap of $%.2f", p.MaxCostPerTask)}
	}
	return nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
