package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailedUpload, StatusFailedSubmission, StatusFailedPlot, StatusWebhookExpired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	nonTerminal := []Status{StatusPending, StatusRunning, StatusJobExpired, StatusRunningPlot, StatusFailedSubmissionToUpload, StatusRetryUpload}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestJobLabelStableAcrossResubmission(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := Job{ResourceID: "ZTF21abc", CreatedAt: created}
	label1 := j.Label()
	j.Status = StatusJobExpired
	label2 := j.Label()
	assert.Equal(t, label1, label2)
	assert.Equal(t, "ZTF21abc_1767323045", label1)
}
