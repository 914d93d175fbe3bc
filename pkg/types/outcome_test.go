package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutcome(t *testing.T) {
	assert.True(t, OutcomePass.IsValid())
	assert.True(t, OutcomeTimeout.IsValid())
	assert.False(t, Outcome("SKIP").IsValid())

	assert.False(t, OutcomePass.IsFailure())
	assert.True(t, OutcomeFail.IsFailure())
	assert.True(t, OutcomeTimeout.IsFailure())
}

func TestTally_Add(t *testing.T) {
	var tally Tally

	tally.Add(OutcomePass)
	tally.Add(OutcomeFail)
	tally.Add(OutcomeTimeout)
	tally.Add(Outcome("bogus"))

	assert.Equal(t, 1, tally.Passed)
	assert.Equal(t, 2, tally.Failed)
	assert.Equal(t, 1, tally.TimedOut)
	assert.Equal(t, 3, tally.Completed())
}

func TestTally_Remove(t *testing.T) {
	tally := Tally{Passed: 2, Failed: 3, TimedOut: 1}

	tally.Remove(OutcomeTimeout)
	tally.Remove(OutcomePass)

	assert.Equal(t, Tally{Passed: 1, Failed: 2, TimedOut: 0}, tally)
}
