package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"recoverable storage", Storage(true, "disk busy"), true},
		{"unrecoverable storage", Storage(false, "corrupt"), false},
		{"network", Network("rpc", 503, 0, "unavailable"), true},
		{"timeout", Timeout("fetch", time.Second, time.Second), true},
		{"validation", Validation("amount", "positive", "-1", "bad amount"), false},
		{"permission", Permission("admin", "guest", "denied"), false},
		{"wrapped network", fmt.Errorf("outer: %w", Network("", 0, 0, "down")), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestShouldCircuitBreak(t *testing.T) {
	breaking := []error{
		Storage(false, "x"),
		Network("", 0, 0, "x"),
		Configuration("db", "", "x"),
		ResourceExhaustion("memory", 2, 1, "x"),
		Permission("", "", "x"),
	}
	for _, err := range breaking {
		assert.True(t, ShouldCircuitBreak(err), err.Error())
	}

	quiet := []error{
		Validation("", "", "", "x"),
		Timeout("op", 0, 0),
		Compilation(1, 2, "", "x"),
		Serialization("json", errors.New("x")),
		errors.New("plain"),
	}
	for _, err := range quiet {
		assert.False(t, ShouldCircuitBreak(err), err.Error())
	}
}

func TestErrorMessageAndMatching(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage(false, "write object").WithCode("WRITE_FAILED").WithContext("id", "abc").Wrap(cause)

	assert.Equal(t, "storage[WRITE_FAILED]: write object (id=abc): disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, fmt.Errorf("ctx: %w", err), &Error{Kind: KindStorage, Code: "WRITE_FAILED"})
	assert.ErrorIs(t, err, &Error{Kind: KindStorage})
	assert.NotErrorIs(t, err, &Error{Kind: KindNetwork})
	assert.Equal(t, KindStorage, KindOf(err))
	assert.True(t, HasCode(err, "WRITE_FAILED"))
	assert.Equal(t, KindGeneric, KindOf(cause))
}

func TestToGeneric(t *testing.T) {
	err := Validation("field", "a", "b", "mismatch").WithCode("TYPE_MISMATCH")

	g := ToGeneric(fmt.Errorf("wrapped: %w", err))
	require.NotNil(t, g)
	assert.Equal(t, KindGeneric, g.Kind)
	assert.Equal(t, "validation", g.Context["kind"])
	assert.Equal(t, "TYPE_MISMATCH", g.Context["code"])
	assert.Equal(t, "mismatch", g.Message)

	plain := ToGeneric(errors.New("boom"))
	assert.Equal(t, "boom", plain.Message)
	assert.Nil(t, ToGeneric(nil))
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker("rpc", 2, time.Minute).WithClock(func() time.Time { return now })

	require.NoError(t, b.Allow())
	b.Record(Validation("", "", "", "ignored"))
	b.Record(Network("", 0, 0, "down"))
	assert.Equal(t, BreakerClosed, b.State())

	b.Record(Network("", 0, 0, "down"))
	assert.Equal(t, BreakerOpen, b.State())
	err := b.Allow()
	require.Error(t, err)
	assert.True(t, HasCode(err, CodeCircuitOpen))

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.Record(nil)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	b := NewBreaker("db", 1, time.Second).WithClock(func() time.Time { return now })

	b.Record(Storage(true, "busy"))
	assert.Equal(t, BreakerOpen, b.State())

	now = now.Add(time.Second)
	require.NoError(t, b.Allow())
	b.Record(Storage(true, "busy"))
	assert.Equal(t, BreakerOpen, b.State())
}
