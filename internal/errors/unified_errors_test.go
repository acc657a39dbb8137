package errors_test

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outliner-backend/internal/errors"
)

func TestUnifiedError_Classification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		errType   errors.ErrorType
		retryable bool
	}{
		{"validation", errors.Validation("X", "bad").Build(), errors.ErrorTypeValidation, false},
		{"not found", errors.NotFound("X", "missing").Build(), errors.ErrorTypeNotFound, false},
		{"persistence", errors.Persistence("X", "write failed").Build(), errors.ErrorTypePersistence, true},
		{"connection", errors.Connection("X", "down").Build(), errors.ErrorTypeConnection, true},
		{"foreign error", stderrors.New("boom"), errors.ErrorTypeInternal, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.errType, errors.TypeOf(tt.err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(tt.err))
		})
	}
}

func TestWrap_PreservesTypeAndAddsContext(t *testing.T) {
	base := errors.NotFound(errors.CodeNodeNotFound.String(), "node not found").Build()

	wrapped := errors.Wrap(base, "indentNode", "n-1")
	require.NotNil(t, wrapped)

	assert.True(t, errors.IsNotFound(wrapped))
	assert.Equal(t, "indentNode", wrapped.Operation)
	assert.Equal(t, "n-1", wrapped.Resource)
	assert.Contains(t, wrapped.Error(), "op=indentNode id=n-1")
	assert.True(t, stderrors.Is(wrapped, base))
}

func TestWrap_ForeignErrorBecomesPersistence(t *testing.T) {
	cause := stderrors.New("connection reset")

	wrapped := errors.Wrap(cause, "deleteNode", "n-2")

	assert.True(t, errors.IsPersistence(wrapped))
	assert.True(t, wrapped.Retryable)
	assert.ErrorIs(t, wrapped, cause)
	assert.Nil(t, errors.Wrap(nil, "x", "y"))
}

func TestUnifiedError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *errors.UnifiedError
		want string
	}{
		{
			name: "bare",
			err:  errors.Internal("BOOM", "exploded").Build(),
			want: "[INTERNAL:BOOM] exploded",
		},
		{
			name: "operation only",
			err:  errors.Connection("DOWN", "stream closed").WithOperation("stream").Build(),
			want: "[CONNECTION:DOWN] stream closed (op=stream)",
		},
		{
			name: "full context",
			err: errors.Conflict("OPTIMISTIC_LOCK", "version conflict").
				WithOperation("updateNode").
				WithResource("n-7").
				WithDetails("expected version 3, found 4").
				Build(),
			want: "[CONFLICT:OPTIMISTIC_LOCK] version conflict (op=updateNode id=n-7): expected version 3, found 4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorBuilder_BuildsIndependentValues(t *testing.T) {
	b := errors.Timeout("SLOW", "backend timed out")
	first := b.WithResource("a").Build()
	second := b.WithResource("b").WithRetryable(false).Build()

	assert.Equal(t, "a", first.Resource)
	assert.True(t, first.Retryable)
	assert.Equal(t, "b", second.Resource)
	assert.False(t, second.Retryable)
}
