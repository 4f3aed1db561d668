package ociruntime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateFailsWhenRuntimeExitsNonZero(t *testing.T) {
	r := New("false", "")
	err := r.Create(context.Background(), "c1", "/nonexistent", nil)
	require.Error(t, err)
}

func TestKillSucceedsWhenRuntimeExitsZero(t *testing.T) {
	r := New("true", "/run/runtime-root")
	require.NoError(t, r.Kill(context.Background(), "c1", 9))
}
