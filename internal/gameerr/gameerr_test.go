package gameerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = New(NotFound, "sample_missing", "見つかりません")

func TestKindAndCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("lookup: %w", errSample)
	assert.ErrorIs(t, err, errSample)
	assert.Equal(t, NotFound, KindOf(err))
	assert.Equal(t, "sample_missing", CodeOf(err))
}

func TestWrap(t *testing.T) {
	cause := errors.New("bad base64")
	err := Wrap(Validation, "invalid_canvas", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, Validation, KindOf(err))
	assert.Equal(t, "invalid_canvas", CodeOf(err))
	assert.Equal(t, "bad base64", err.Error())

	assert.NoError(t, Wrap(Validation, "x", nil))
}

func TestUnclassified(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, Internal, KindOf(err))
	assert.Equal(t, "internal_error", CodeOf(err))
	assert.Equal(t, "validation", Validation.String())
}
