// Package llm is the boundary to the external assistant provider: threads,
// file uploads, runs and replies.
package llm

import (
	"context"
	"errors"
)

var ErrNotConfigured = errors.New("assistant provider is not configured")

// Tool names an assistant capability a file can be attached to.
type Tool string

const (
	ToolFileSearch      Tool = "file_search"
	ToolCodeInterpreter Tool = "code_interpreter"
)

// AssistantSpec describes an assistant to create on the provider.
type AssistantSpec struct {
	Name         string
	Instructions string
	Model        string
	Tools        []Tool
}

// PartKind is the type of one message content part.
type PartKind string

const (
	PartText      PartKind = "text"
	PartImageFile PartKind = "image_file"
	PartImageURL  PartKind = "image_url"
)

// Part is one content block of a user message.
type Part struct {
	Kind   PartKind
	Text   string
	FileID string
	URL    string
}

// Attachment makes an uploaded file available to the listed tools.
type Attachment struct {
	FileID string
	Tools  []Tool
}

// MessageInput is a user message added to a thread.
type MessageInput struct {
	Parts       []Part
	Attachments []Attachment
}

// RunStatus mirrors the provider run lifecycle.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunIncomplete     RunStatus = "incomplete"
	RunExpired        RunStatus = "expired"
)

// Terminal reports whether the run will not change status again.
// requires_action counts as terminal since no tool outputs are submitted.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunQueued, RunInProgress, RunCancelling:
		return false
	default:
		return true
	}
}

// Run is a provider run on a thread.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	LastError string
}

// Provider is the external assistant API.
type Provider interface {
	Configured() bool
	CreateAssistant(ctx context.Context, spec AssistantSpec) (string, error)
	CreateThread(ctx context.Context) (string, error)
	UploadFile(ctx context.Context, name, mime string, data []byte) (string, error)
	AddMessage(ctx context.Context, threadID string, msg MessageInput) (string, error)
	StartRun(ctx context.Context, threadID, assistantID string) (Run, error)
	GetRun(ctx context.Context, threadID, runID string) (Run, error)
	// LatestReply returns the text of the newest assistant message produced
	// by the run, or "" when there is none.
	LatestReply(ctx context.Context, threadID, runID string) (string, error)
}
