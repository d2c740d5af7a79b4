package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("processing a.jpg: %w", Wrap(KindSecurity, base, "blocked"))

	assert.Equal(t, KindSecurity, KindOf(err))
	assert.True(t, Is(err, KindSecurity))
	assert.False(t, Is(err, KindInput))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, KindSystem, KindOf(errors.New("plain")))
}

func TestToolCrashIncludesStderrTail(t *testing.T) {
	err := &Error{
		Kind:     KindToolCrash,
		Message:  "Tool magick exited with code 1",
		ExitCode: 1,
		Stderr:   "warning: something\nmagick: no decode delegate for this image format\n\n",
	}

	assert.Equal(t, "Tool magick exited with code 1: magick: no decode delegate for this image format", err.Error())
	assert.Equal(t, err.Stderr, Stderr(fmt.Errorf("wrapped: %w", err)))
}
