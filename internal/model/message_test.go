package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to MessageStatus }{
		{MessageStatusPending, MessageStatusSent},
		{MessageStatusPending, MessageStatusFailed},
		{MessageStatusSent, MessageStatusDelivered},
		{MessageStatusSent, MessageStatusFailed},
		{MessageStatusDelivered, MessageStatusRead},
		{MessageStatusDelivered, MessageStatusClicked},
		{MessageStatusRead, MessageStatusClicked},
	}
	for _, tc := range allowed {
		assert.True(t, tc.from.CanTransition(tc.to), "%s -> %s should be allowed", tc.from, tc.to)
	}

	denied := []struct{ from, to MessageStatus }{
		{MessageStatusSent, MessageStatusPending},
		{MessageStatusDelivered, MessageStatusSent},
		{MessageStatusDelivered, MessageStatusFailed},
		{MessageStatusFailed, MessageStatusSent},
		{MessageStatusClicked, MessageStatusRead},
		{MessageStatusRead, MessageStatusDelivered},
		{MessageStatusPending, MessageStatusDelivered},
	}
	for _, tc := range denied {
		assert.False(t, tc.from.CanTransition(tc.to), "%s -> %s should be denied", tc.from, tc.to)
	}
}

func TestTransitionsNeverLowerRank(t *testing.T) {
	all := []MessageStatus{
		MessageStatusPending, MessageStatusSent, MessageStatusDelivered,
		MessageStatusFailed, MessageStatusRead, MessageStatusClicked,
	}
	for _, from := range all {
		for _, to := range all {
			if from.CanTransition(to) {
				assert.Greater(t, to.Rank(), from.Rank(),
					"legal transition %s -> %s must move up the lattice", from, to)
			}
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, MessageStatusFailed.Terminal())
	assert.True(t, MessageStatusClicked.Terminal())
	assert.False(t, MessageStatusPending.Terminal())
	assert.False(t, MessageStatusSent.Terminal())
	assert.False(t, MessageStatusDelivered.Terminal())
}

func TestFailedHasNoOutgoingTransitions(t *testing.T) {
	for _, to := range []MessageStatus{
		MessageStatusPending, MessageStatusSent, MessageStatusDelivered,
		MessageStatusRead, MessageStatusClicked,
	} {
		assert.False(t, MessageStatusFailed.CanTransition(to))
	}
}
