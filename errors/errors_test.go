package errors

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapfAddsCallerAndKeepsCause(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := Wrapf(cause, "loading %s", "config")
	require.Error(t, err)
	assert.True(t, Is(err, cause))
	assert.Contains(t, err.Error(), "errors_test.go:")
	assert.True(t, strings.HasSuffix(err.Error(), "loading config: boom"))

	assert.NoError(t, Wrapf(nil, "ignored"))
}

func TestMarkAndKindOf(t *testing.T) {
	err := Mark(context.DeadlineExceeded, ErrInvokeTimeout)
	assert.True(t, Is(err, ErrInvokeTimeout))
	assert.True(t, Is(err, context.DeadlineExceeded))
	assert.Equal(t, "invoke_timeout", KindOf(err))
	assert.Equal(t, "invoke timeout: context deadline exceeded", err.Error())

	again := Mark(err, ErrInvokeTimeout)
	assert.Same(t, err, again)

	bare := Mark(nil, ErrRoundLimit)
	assert.Equal(t, "round limit exceeded", bare.Error())
	assert.Equal(t, "round_limit", KindOf(bare))

	assert.Equal(t, "internal_error", KindOf(New("plain")))
	assert.Equal(t, "", KindOf(nil))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := Wrapf(Mark(fmt.Errorf("dial tcp: refused"), ErrConnection), "invoking %q", "weather")
	assert.Equal(t, "connection_error", KindOf(err))
}
