package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff_DoublesAndCaps(t *testing.T) {
	b := ExponentialBackoff{Max: 4 * time.Second}
	assert.Equal(t, 1*time.Second, b.Wait(1, time.Second))
	assert.Equal(t, 2*time.Second, b.Wait(2, time.Second))
	assert.Equal(t, 4*time.Second, b.Wait(3, time.Second))
	assert.Equal(t, 4*time.Second, b.Wait(10, time.Second), "must cap at Max")
}

func TestDo_RetriesUpToMaxThenSucceeds(t *testing.T) {
	policy := NewPolicy(3, time.Millisecond, FixedBackoff{})
	attempts := 0
	var slept []time.Duration

	err := Do(policy, func(d time.Duration) { slept = append(slept, d) }, func(attempt int) error {
		attempts++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, slept, 2, "no sleep before the first attempt")
}

func TestDo_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	policy := NewPolicy(2, time.Millisecond, FixedBackoff{})
	attempts := 0

	err := Do(policy, func(time.Duration) {}, func(attempt int) error {
		attempts++
		return errors.New("still failing")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts, "maxRetries=2 means 3 total invocations")
}
