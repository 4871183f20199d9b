package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseResultStatus(t *testing.T) {
	tests := []struct {
		input  string
		status CommandStatus
		ok     bool
	}{
		{"", CommandStatusCompleted, true},
		{"success", CommandStatusCompleted, true},
		{"SUCCESS", CommandStatusCompleted, true},
		{" ok ", CommandStatusCompleted, true},
		{"completed", CommandStatusCompleted, true},
		{"failed", CommandStatusFailed, true},
		{"Failed", CommandStatusFailed, true},
		{"FAILED", CommandStatusFailed, true},
		{"error", CommandStatusFailed, true},
		{"failure", CommandStatusFailed, true},
		{"timeout", "", false},
		{"rejected", "", false},
		{"expired", "", false},
		{"pending", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			status, ok := ParseResultStatus(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.status, status)
		})
	}
}
