package errors

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLaunchError(t *testing.T) {
	cause := New("exec: \"missing\": executable file not found in $PATH")
	err := NewLaunchError("score", cause).WithJobID("job-1")

	assert.Equal(t, `launch failed [kind=score, job=job-1]: exec: "missing": executable file not found in $PATH`, err.Error())
	assert.True(t, Is(err, ErrProcessLaunch))
	assert.True(t, Is(err, cause))
	assert.True(t, IsJobFailure(err))

	var target *LaunchError
	require.True(t, As(fmt.Errorf("start: %w", err), &target))
	assert.Equal(t, "job-1", target.JobID)
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("scoring", 10*time.Minute)

	assert.Equal(t, "scoring timed out after 10m0s", err.Error())
	assert.True(t, Is(err, ErrProcessTimeout))
	assert.False(t, Is(err, ErrProcessLaunch))
	assert.True(t, IsUserFacing(err))
}

func TestProtocolError(t *testing.T) {
	err := NewProtocolError("unexpected message").WithTag("bogus")

	assert.Equal(t, "protocol violation [tag=bogus]: unexpected message", err.Error())
	assert.True(t, Is(err, ErrProtocolViolation))

	bare := NewProtocolError("exited without result")
	assert.Equal(t, "protocol violation: exited without result", bare.Error())
}

func TestPersistenceError(t *testing.T) {
	cause := New("disk full")
	err := NewPersistenceError("write scored pipeline", cause).WithPipelineID("p1")

	assert.Equal(t, "persistence error [pipeline=p1]: write scored pipeline: disk full", err.Error())
	assert.True(t, Is(err, ErrPersistence))
	assert.True(t, Is(err, cause))
	assert.False(t, IsJobFailure(err))
}

func TestConfigurationError(t *testing.T) {
	tests := []struct {
		name string
		err  *ConfigurationError
		want string
	}{
		{
			name: "with field",
			err:  NewConfigurationError("at least one metric is required").WithField("metrics"),
			want: "invalid metrics: at least one metric is required",
		},
		{
			name: "without field",
			err:  NewConfigurationError("bad value"),
			want: "invalid configuration: bad value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.True(t, Is(tt.err, ErrConfiguration))
			assert.True(t, IsUserFacing(tt.err))
		})
	}
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("session", "abc123")

	assert.Equal(t, "session 'abc123' not found", err.Error())
	assert.True(t, Is(err, ErrSessionNotFound))
	assert.False(t, Is(err, ErrPipelineNotFound))
	assert.True(t, Is(NewNotFoundError("pipeline", "p"), ErrPipelineNotFound))
	assert.True(t, Is(NewNotFoundError("job", "j"), ErrJobNotFound))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))

	err := Wrap(ErrPersistence, "export")
	assert.Equal(t, "export: persistence failure", err.Error())
	assert.True(t, Is(err, ErrPersistence))
}
