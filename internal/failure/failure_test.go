package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := New(UpstreamRejected, "not found")
	wrapped := fmt.Errorf("fetching view: %w", base)

	assert.Equal(t, UpstreamRejected, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, UpstreamRejected))
	assert.False(t, IsRetryable(wrapped))
	assert.Equal(t, "not found", Message(wrapped))
}

func TestRetryableKinds(t *testing.T) {
	for _, k := range []Kind{InvalidURL, UnsupportedPlatform, InvalidIdentifier, UpstreamRejected,
		UpstreamShapeError, NoStreamsFound, TranscodeInitError, TranscodeRuntimeError, EngineBusy} {
		assert.False(t, k.Retryable(), k.String())
	}
	assert.True(t, UpstreamUnavailable.Retryable())
}

func TestMessageFallsBackToGeneric(t *testing.T) {
	err := Wrap(UpstreamUnavailable, errors.New("connection reset"), "")
	assert.Equal(t, "upstream unavailable", Message(err))
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "plain", Message(errors.New("plain")))
	assert.Equal(t, "", Message(nil))
}

func TestErrorsIsByKind(t *testing.T) {
	err := fmt.Errorf("outer: %w", Newf(NoStreamsFound, "no streams for %s", "BV1"))
	assert.True(t, errors.Is(err, &Error{Kind: NoStreamsFound}))
	assert.False(t, errors.Is(err, &Error{Kind: EngineBusy}))
}
