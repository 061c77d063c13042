package dto

import "encoding/json"

// PublishRequest is the intake contract shared by HTTP and the agent tool.
// Content stays opaque after structural presence checks.
type PublishRequest struct {
	Content        json.RawMessage `json:"content" validate:"json_document"`
	Metadata       Metadata        `json:"metadata"`
	PublishOptions *PublishOptions `json:"publishOptions,omitempty"`
}

type Metadata struct {
	Source   string `json:"source" validate:"required"`
	SourceID string `json:"sourceId" validate:"required"`
	Priority *int   `json:"priority,omitempty" validate:"omitempty,min=0,max=100"`
}

type PublishOptions struct {
	Privacy     string `json:"privacy,omitempty" validate:"omitempty,oneof=public private"`
	Epochs      *int   `json:"epochs,omitempty" validate:"omitempty,min=1"`
	MaxAttempts *int   `json:"maxAttempts,omitempty" validate:"omitempty,min=1,max=20"`
}

// NormalizedPublish is the validated request with every default applied.
// It is what gets persisted as the job payload.
type NormalizedPublish struct {
	Content  json.RawMessage `json:"content"`
	Source   string          `json:"source"`
	SourceID string          `json:"sourceId"`
	Priority int             `json:"priority"`
	Privacy  string          `json:"privacy"`
	Epochs   int             `json:"epochs"`

	MaxAttempts int `json:"maxAttempts"`
}
