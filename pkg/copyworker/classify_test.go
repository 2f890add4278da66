package copyworker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyDominance(t *testing.T) {
	tests := []struct {
		name           string
		exitCode       int
		wantFatal      bool
		wantRetryable  bool
		wantMismatch   bool
	}{
		{name: "success no-op", exitCode: 0},
		{name: "success files copied", exitCode: 1},
		{name: "extras only", exitCode: 2},
		{name: "mismatch only", exitCode: 4},
		{name: "failures only", exitCode: 8, wantRetryable: true},
		{name: "fatal only", exitCode: 16, wantFatal: true},
		{name: "fatal dominates success bit", exitCode: 16 | 1, wantFatal: true},
		{name: "fatal dominates error bit", exitCode: 16 | 8, wantFatal: true},
		{name: "error dominates mismatch", exitCode: 8 | 4, wantRetryable: true},
		{name: "error dominates extras", exitCode: 8 | 2, wantRetryable: true},
		{name: "mismatch dominates extras", exitCode: 4 | 2, wantMismatch: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.exitCode)
			assert.Equal(t, tt.wantFatal, c.Fatal)
			assert.Equal(t, tt.wantRetryable, c.Retryable)
			assert.Equal(t, tt.wantMismatch, c.MismatchOnly)
			assert.Equal(t, tt.exitCode, c.Code)
		})
	}
}

func TestShouldRetryRespectsFatal(t *testing.T) {
	assert.True(t, ShouldRetry(Classify(8)))
	assert.False(t, ShouldRetry(Classify(16|8)))
	assert.False(t, ShouldRetry(Classify(4)))
}

func TestIsSuccessExcludesWarningsAndErrors(t *testing.T) {
	assert.True(t, IsSuccess(Classify(0)))
	assert.True(t, IsSuccess(Classify(1)))
	assert.True(t, IsSuccess(Classify(2)))
	assert.False(t, IsSuccess(Classify(4)))
	assert.False(t, IsSuccess(Classify(8)))
	assert.False(t, IsSuccess(Classify(16)))
}
