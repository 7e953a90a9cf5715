package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "meridian/pkg/errors"
)

func TestParseContentType(t *testing.T) {
	ct, err := ParseContentType(" hl7_ack ")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeHL7Ack, ct)

	_, err = ParseContentType("YAML")
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestHashIsStable(t *testing.T) {
	assert.Equal(t, Hash("ABC"), Hash("ABC"))
	assert.NotEqual(t, Hash("ABC"), Hash("ABD"))
	assert.Len(t, Hash(""), 64)
}
