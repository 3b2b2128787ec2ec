package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapMsgKeepsCode(t *testing.T) {
	err := ErrNotFound.WrapMsg("message not found", "id", "42")
	require.Error(t, err)

	assert.Equal(t, NotFound, Code(err))
	assert.True(t, ErrNotFound.Is(err))
	assert.False(t, ErrForbidden.Is(err))
	assert.Contains(t, err.Error(), "id=42")

	outer := fmt.Errorf("handler: %w", err)
	assert.Equal(t, NotFound, Code(outer))
	assert.True(t, errors.Is(outer, &ErrNotFound))
}

func TestCodeDefaultsToInternal(t *testing.T) {
	assert.Equal(t, 0, Code(nil))
	assert.Equal(t, ServerInternalError, Code(errors.New("boom")))
	assert.Equal(t, ServerInternalError, Code(WrapMsg(errors.New("boom"), "query")))
}

func TestCodeRelation(t *testing.T) {
	rel := newCodeRelation()
	require.NoError(t, rel.Add(ServerInternalError, 5001, 5002))
	assert.True(t, rel.Is(ServerInternalError, 5002))
	assert.True(t, rel.Is(5001, 5002))
	assert.False(t, rel.Is(5002, 5001))
	assert.Error(t, rel.Add(1))
}

func TestErrPanic(t *testing.T) {
	assert.Nil(t, ErrPanic(nil))
	err := ErrPanic("nil map")
	assert.Equal(t, ServerInternalError, Code(err))
	assert.Contains(t, err.Error(), "nil map")
}
