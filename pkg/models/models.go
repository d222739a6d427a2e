// Package models holds shared data types exchanged between the gateway's
// subsystems: task states, token usage, child-process events, and the
// error taxonomy surfaced on the wire.
package models

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a pooled task.
// Transitions form a DAG: pending → running → one terminal state.
type TaskState string

// Task states.
const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timeout"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is final. No task leaves a terminal state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimedOut, TaskCancelled:
		return true
	}
	return false
}

// Usage is the native token accounting returned by the provider,
// via either the Messages API or the CLI result event.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Source identifies which execution path produced a usage record.
type Source string

// Usage record sources.
const (
	SourceDirect  Source = "direct"
	SourceCLI     Source = "cli"
	SourceAgentic Source = "agentic"
)

// Message is a single conversation turn in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Event is one newline-delimited JSON event emitted by the child process.
// Unknown types are carried through untouched for forward compatibility;
// only the "result" event is required for a successful run.
type Event struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	Skill     string          `json:"skill,omitempty"`
	Raw       json.RawMessage `json:"-"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// Child-process event types recognized by the gateway.
const (
	EventToolCall    = "tool_call"
	EventToolResult  = "tool_result"
	EventAgentSpawn  = "agent_spawn"
	EventSkillInvoke = "skill_invoke"
	EventThinking    = "thinking"
	EventToken       = "token"
	EventResult      = "result"
)

// Artifact describes a file created by an agentic task in its working
// directory.
type Artifact struct {
	Path      string    `json:"path"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}
