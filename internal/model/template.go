package model

import (
	"time"

	"github.com/google/uuid"
)

type TemplateStatus string

const (
	TemplateStatusDraft     TemplateStatus = "draft"
	TemplateStatusPublished TemplateStatus = "published"
)

type TemplateCategory string

const (
	CategoryTransactional TemplateCategory = "transactional"
	CategoryMarketing     TemplateCategory = "marketing"
	CategoryCaring        TemplateCategory = "caring"
	CategoryReminder      TemplateCategory = "reminder"
)

func (c TemplateCategory) Valid() bool {
	switch c {
	case CategoryTransactional, CategoryMarketing, CategoryCaring, CategoryReminder:
		return true
	}
	return false
}

type VariableType string

const (
	VariableString VariableType = "string"
	VariableNumber VariableType = "number"
	VariableBool   VariableType = "bool"
	VariableDate   VariableType = "date"
)

// TemplateVariable declares one variable a template accepts. Unknown variables
// are rejected when the template is published, not at send time.
type TemplateVariable struct {
	Name     string       `json:"name"`
	Type     VariableType `json:"type"`
	Required bool         `json:"required"`
	Default  string       `json:"default,omitempty"`
}

// ChannelContent is the per-channel body of a template. Subject applies to
// email and inbox; CTA fields apply to push, inbox and email.
type ChannelContent struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
	CTAText string `json:"cta_text,omitempty"`
	CTAURL  string `json:"cta_url,omitempty"`
}

// ABVariant overrides channel content for a slice of traffic. Weights across
// a template's variants must sum to 100.
type ABVariant struct {
	ID      string                     `json:"id"`
	Weight  int                        `json:"weight"`
	Content map[Channel]ChannelContent `json:"content"`
}

type Template struct {
	ID              uuid.UUID                  `json:"id" db:"id"`
	Name            string                     `json:"name" db:"name"`
	Category        TemplateCategory           `json:"category" db:"category"`
	Channels        []Channel                  `json:"channels"`
	Content         map[Channel]ChannelContent `json:"content"`
	Variables       []TemplateVariable         `json:"variables"`
	RequiresConsent bool                       `json:"requires_consent" db:"requires_consent"`
	Variants        []ABVariant                `json:"variants,omitempty"`
	Status          TemplateStatus             `json:"status" db:"status"`
	Version         int                        `json:"version" db:"version"`
	CreatedAt       time.Time                  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at" db:"updated_at"`
}

// SupportsChannel reports whether the template declares content for ch.
func (t *Template) SupportsChannel(ch Channel) bool {
	for _, c := range t.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// ConsentPurpose maps the template category to the consent purpose a channel
// must carry before the policy resolver will pick it. Templates with the
// consent requirement switched off return an empty purpose; only the
// channel-enabled gate applies to them.
func (t *Template) ConsentPurpose() ConsentPurpose {
	if !t.RequiresConsent {
		return ""
	}
	switch t.Category {
	case CategoryMarketing:
		return PurposeMarketing
	case CategoryCaring:
		return PurposeCaring
	case CategoryReminder:
		return PurposeReminders
	default:
		return PurposeTransactional
	}
}

type CreateTemplateRequest struct {
	Name            string                     `json:"name" binding:"required"`
	Category        TemplateCategory           `json:"category" binding:"required,oneof=transactional marketing caring reminder"`
	Channels        []Channel                  `json:"channels" binding:"required,min=1"`
	Content         map[Channel]ChannelContent `json:"content" binding:"required"`
	Variables       []TemplateVariable         `json:"variables"`
	RequiresConsent bool                       `json:"requires_consent"`
	Variants        []ABVariant                `json:"variants"`
}
