package assistant

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("assistant not found")

// Tool is a provider-side capability an assistant can opt into.
type Tool string

const (
	ToolFileSearch      Tool = "file_search"
	ToolCodeInterpreter Tool = "code_interpreter"
)

// Valid reports whether t is a known tool.
func (t Tool) Valid() bool {
	return t == ToolFileSearch || t == ToolCodeInterpreter
}

// Assistant is a tenant's AI persona.
type Assistant struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Name         string    `json:"name"`
	Instructions string    `json:"instructions,omitempty"`
	Model        string    `json:"model,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	Tools        []Tool    `json:"tools,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasTool reports whether the assistant opted into t.
func (a Assistant) HasTool(t Tool) bool {
	for _, item := range a.Tools {
		if item == t {
			return true
		}
	}
	return false
}

// DisplayName falls back to a generic label for unnamed assistants.
func (a Assistant) DisplayName() string {
	if a.Name == "" {
		return "Assistant"
	}
	return a.Name
}
