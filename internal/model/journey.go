package model

import (
	"time"

	"github.com/google/uuid"
)

type TriggerType string

const (
	TriggerEvent      TriggerType = "event"
	TriggerDateOffset TriggerType = "date_offset"
	TriggerInactivity TriggerType = "inactivity"
	TriggerManual     TriggerType = "manual"
)

// JourneyTrigger describes what enrolls a user. EventName applies to event
// triggers. Date-offset triggers fire OffsetDays after the RFC3339 date
// stored in the user property named DateProperty (a birthday, an adoption
// date). InactivityDays applies to inactivity triggers.
type JourneyTrigger struct {
	Type           TriggerType `json:"type"`
	EventName      string      `json:"event_name,omitempty"`
	DateProperty   string      `json:"date_property,omitempty"`
	OffsetDays     int         `json:"offset_days,omitempty"`
	InactivityDays int         `json:"inactivity_days,omitempty"`
}

type StepAction string

const (
	ActionSendMessage    StepAction = "send_message"
	ActionUpdateProperty StepAction = "update_property"
	ActionAddTag         StepAction = "add_tag"
	ActionRemoveTag      StepAction = "remove_tag"
	ActionWebhook        StepAction = "webhook"
)

type StepDelay struct {
	Days    int `json:"days,omitempty"`
	Hours   int `json:"hours,omitempty"`
	Minutes int `json:"minutes,omitempty"`
}

func (d StepDelay) Duration() time.Duration {
	return time.Duration(d.Days)*24*time.Hour +
		time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute
}

type ConditionOutcome string

const (
	OutcomeContinue ConditionOutcome = "continue"
	OutcomeExit     ConditionOutcome = "exit"
	OutcomeBranch   ConditionOutcome = "branch"
)

// StepCondition is evaluated against the enrollment context before the step
// action runs. When the condition matches, Outcome decides what happens;
// Branch names the branch to jump to for branch outcomes.
type StepCondition struct {
	Field   string           `json:"field"`
	Op      string           `json:"op"` // eq, neq, gt, lt, exists, absent
	Value   string           `json:"value,omitempty"`
	Outcome ConditionOutcome `json:"outcome"`
	Branch  string           `json:"branch,omitempty"`
}

// JourneyStep is one node of the journey graph. Steps execute in list order
// within their branch; branches are named step lists jumped to by conditions.
type JourneyStep struct {
	ID          string            `json:"id"`
	Delay       StepDelay         `json:"delay"`
	Action      StepAction        `json:"action"`
	TemplateID  *uuid.UUID        `json:"template_id,omitempty"`
	Channel     *Channel          `json:"channel,omitempty"`
	Priority    Priority          `json:"priority,omitempty"`
	Property    string            `json:"property,omitempty"`
	Value       string            `json:"value,omitempty"`
	Tag         string            `json:"tag,omitempty"`
	WebhookURL  string            `json:"webhook_url,omitempty"`
	WebhookBody map[string]string `json:"webhook_body,omitempty"`
	Conditions  []StepCondition   `json:"conditions,omitempty"`
}

type JourneySettings struct {
	Timezone            string   `json:"timezone"`
	MaxMessagesPerDay   int      `json:"max_messages_per_day,omitempty"`
	MaxMessagesPerWeek  int      `json:"max_messages_per_week,omitempty"`
	RespectQuietHours   bool     `json:"respect_quiet_hours"`
	ExitEvents          []string `json:"exit_events,omitempty"`
	AllowReEntry        bool     `json:"allow_re_entry"`
	ReEntryCooldownDays int      `json:"re_entry_cooldown_days,omitempty"`
}

// Journey definitions are immutable once published; edits create a new
// version and running enrollments pin the version they started on.
type Journey struct {
	ID        uuid.UUID                `json:"id" db:"id"`
	Name      string                   `json:"name" db:"name"`
	Version   int                      `json:"version" db:"version"`
	Active    bool                     `json:"active" db:"active"`
	Trigger   JourneyTrigger           `json:"trigger"`
	Steps     []JourneyStep            `json:"steps"`
	Branches  map[string][]JourneyStep `json:"branches,omitempty"`
	Settings  JourneySettings          `json:"settings"`
	CreatedAt time.Time                `json:"created_at" db:"created_at"`
	UpdatedAt time.Time                `json:"updated_at" db:"updated_at"`
}

// StepsFor returns the step list for a branch, or the main list when branch
// is empty.
func (j *Journey) StepsFor(branch string) []JourneyStep {
	if branch == "" {
		return j.Steps
	}
	return j.Branches[branch]
}

// StepAt finds a step by id within a branch.
func (j *Journey) StepAt(branch, stepID string) (*JourneyStep, int, bool) {
	steps := j.StepsFor(branch)
	for i := range steps {
		if steps[i].ID == stepID {
			return &steps[i], i, true
		}
	}
	return nil, 0, false
}

// IsExitEvent reports whether eventType terminates enrollments of this journey.
func (j *Journey) IsExitEvent(eventType string) bool {
	for _, e := range j.Settings.ExitEvents {
		if e == eventType {
			return true
		}
	}
	return false
}
