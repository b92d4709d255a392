package model

import (
	"time"

	"github.com/google/uuid"
)

type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusExited    EnrollmentStatus = "exited"
	EnrollmentStatusPaused    EnrollmentStatus = "paused"
)

// StepRecord is one entry of an enrollment's history.
type StepRecord struct {
	StepID     string     `json:"step_id"`
	Branch     string     `json:"branch,omitempty"`
	ExecutedAt time.Time  `json:"executed_at"`
	MessageID  *uuid.UUID `json:"message_id,omitempty"`
}

// JourneyEnrollment tracks one user's progress through a journey version.
// Version is a CAS counter bumped on every advance so two workers cannot
// move the same enrollment concurrently.
type JourneyEnrollment struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	JourneyID       uuid.UUID         `json:"journey_id" db:"journey_id"`
	JourneyVersion  int               `json:"journey_version" db:"journey_version"`
	UserID          uuid.UUID         `json:"user_id" db:"user_id"`
	DogID           *uuid.UUID        `json:"dog_id,omitempty" db:"dog_id"`
	Status          EnrollmentStatus  `json:"status" db:"status"`
	Branch          string            `json:"branch" db:"branch"`
	CurrentStepID   string            `json:"current_step_id" db:"current_step_id"`
	NextExecutionAt *time.Time        `json:"next_execution_at,omitempty" db:"next_execution_at"`
	Version         int               `json:"version" db:"version"`
	History         []StepRecord      `json:"history"`
	Context         map[string]string `json:"context,omitempty"`
	ExitReason      *string           `json:"exit_reason,omitempty" db:"exit_reason"`
	PauseReason     *string           `json:"pause_reason,omitempty" db:"pause_reason"`
	EnrolledAt      time.Time         `json:"enrolled_at" db:"enrolled_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	ExitedAt        *time.Time        `json:"exited_at,omitempty" db:"exited_at"`
	UpdatedAt       time.Time         `json:"updated_at" db:"updated_at"`
}

// EndedAt returns when the enrollment reached a terminal state, used for
// re-entry cooldown checks.
func (e *JourneyEnrollment) EndedAt() *time.Time {
	if e.CompletedAt != nil {
		return e.CompletedAt
	}
	return e.ExitedAt
}

type EnrollInJourneyRequest struct {
	UserID    uuid.UUID         `json:"user_id" binding:"required"`
	DogID     *uuid.UUID        `json:"dog_id,omitempty"`
	JourneyID uuid.UUID         `json:"journey_id"`
	Context   map[string]string `json:"context,omitempty"`
	StartAt   *time.Time        `json:"start_at,omitempty"`
}

type EnrollInJourneyResponse struct {
	EnrollmentID    uuid.UUID  `json:"enrollment_id,omitempty"`
	Status          string     `json:"status"`
	NextExecutionAt *time.Time `json:"next_execution_at,omitempty"`
}

const (
	EnrollStatusEnrolled        = "enrolled"
	EnrollStatusAlreadyEnrolled = "already_enrolled"
	EnrollStatusFailed          = "failed"
)
