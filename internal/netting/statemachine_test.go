package netting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []SessionStatus{StatusDraft, StatusPendingApproval, StatusApproved, StatusSettled, StatusCancelled}
	allowed := map[[2]SessionStatus]bool{
		{StatusDraft, StatusPendingApproval}:     true,
		{StatusDraft, StatusCancelled}:           true,
		{StatusPendingApproval, StatusApproved}:  true,
		{StatusPendingApproval, StatusCancelled}: true,
		{StatusApproved, StatusSettled}:          true,
	}

	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]SessionStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StatusSettled))
	assert.True(t, IsTerminal(StatusCancelled))
	assert.False(t, IsTerminal(StatusDraft))
	assert.False(t, IsTerminal(StatusApproved))
}

func TestRequireDraft(t *testing.T) {
	assert.NoError(t, requireDraft(&Session{Status: StatusDraft}))
	assert.ErrorIs(t, requireDraft(&Session{Status: StatusPendingApproval}), ErrSessionLocked)
	assert.ErrorIs(t, requireDraft(&Session{Status: StatusSettled}), ErrSessionLocked)
}
