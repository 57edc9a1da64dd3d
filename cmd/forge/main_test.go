package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"personaforge/internal/types"
)

func TestExitCodeClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"validation", types.NewValidationError("coverage shortfall"), 2},
		{"conflict", &types.ConflictError{Reason: "draft pending"}, 2},
		{"not found", &types.NotFoundError{Kind: "draft"}, 2},
		{"wrapped validation", fmt.Errorf("approve: %w", types.NewValidationError("short")), 2},
		{"transient", &types.TransientServiceError{Service: "analysis", Err: errors.New("503")}, 1},
		{"plain", errors.New("boom"), 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, exitCode(tc.err))
		})
	}
}

func TestResolveWorkspaceFlag(t *testing.T) {
	old := workspace
	defer func() { workspace = old }()

	workspace = "/tmp/ws"
	assert.Equal(t, "/tmp/ws", resolveWorkspace())

	workspace = ""
	assert.NotEmpty(t, resolveWorkspace())
}
