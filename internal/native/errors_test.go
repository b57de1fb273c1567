package native_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"corebridge/internal/native"
	"corebridge/internal/shared"
)

func TestError_UnwrapsToSentinel(t *testing.T) {
	tests := []struct {
		code native.Code
		want error
	}{
		{native.CodeInvalidToken, shared.ErrReleased},
		{native.CodeFileAccess, shared.ErrFileAccess},
		{native.CodeIncompatibleSchema, shared.ErrIncompatibleSchema},
		{native.CodeBusy, shared.ErrBusy},
		{native.CodeExhausted, shared.ErrResourceExhausted},
		{native.CodeNotFound, shared.ErrNotFound},
		{native.CodeExists, shared.ErrConflict},
		{native.CodeClosed, shared.ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := native.Errorf("op", tt.code, "detail %d", 1)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.code, native.CodeOf(fmt.Errorf("wrapped: %w", err)))
			assert.Contains(t, err.Error(), "detail 1")
		})
	}
}

func TestWrapError_KeepsCause(t *testing.T) {
	cause := errors.New("disk I/O error")
	err := native.WrapError("open", native.CodeFileAccess, cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, shared.ErrFileAccess)
	assert.Equal(t, "native open: file_access: disk I/O error", err.Error())
	assert.Nil(t, native.WrapError("open", native.CodeFileAccess, nil))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, native.CodeOK, native.CodeOf(nil))
	assert.Equal(t, native.CodeInternal, native.CodeOf(errors.New("x")))
}

func TestChangeSet_Empty(t *testing.T) {
	assert.True(t, native.ChangeSet{}.Empty())
	assert.False(t, native.ChangeSet{Deleted: true}.Empty())
	assert.False(t, native.ChangeSet{Insertions: []int{0}}.Empty())
	assert.False(t, native.ChangeSet{Classes: []string{"Dog"}}.Empty())
}

func TestStats(t *testing.T) {
	s := native.Stats{Files: 1, Tokens: map[native.Kind]int{native.KindObject: 2, native.KindDatabase: 1}}
	assert.Equal(t, 3, s.Live())
	assert.Equal(t, "files=1 tokens=3 pinned=0", s.String())
}
