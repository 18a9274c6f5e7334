package jwocerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesWrappedKind(t *testing.T) {
	err := Wrap(NotFound, "job missing", errors.New("sql: no rows"))
	assert.True(t, Is(err, NotFound))
	assert.False(t, Is(err, Conflict))
}

func TestIs_FalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("boom"), NotFound))
}

func TestKindOf_DefaultsToSystemErrorForUntyped(t *testing.T) {
	assert.Equal(t, SystemError, KindOf(errors.New("boom")))
	assert.Equal(t, ValidationError, KindOf(New(ValidationError, "bad input")))
}

func TestError_IncludesCauseWhenWrapped(t *testing.T) {
	cause := errors.New("database is locked")
	err := Wrap(SystemError, "commit failed", cause)
	assert.Contains(t, err.Error(), "commit failed")
	assert.Contains(t, err.Error(), "database is locked")
	assert.ErrorIs(t, err, cause)
}
