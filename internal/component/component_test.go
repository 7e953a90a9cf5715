package component

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "meridian/pkg/errors"
)

func TestCategoryDerivedFromType(t *testing.T) {
	tests := []struct {
		typ  Type
		want Category
	}{
		{TypeTransportInboundAdapter, CategoryInboundAdapter},
		{TypeTransportOutboundAdapter, CategoryOutboundAdapter},
		{TypeInboundRouteConnector, CategoryInboundRouteConnector},
		{TypeOutboundRouteConnector, CategoryOutboundRouteConnector},
		{TypeTransformer, CategoryMessageHandler},
		{TypeFilter, CategoryMessageHandler},
		{TypeSplitter, CategoryMessageHandler},
		{Type("BOGUS"), ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.typ.Category())
		})
	}
}

func TestParseType(t *testing.T) {
	typ, err := ParseType(" splitter ")
	require.NoError(t, err)
	assert.Equal(t, TypeSplitter, typ)

	_, err = ParseType("mllp-listener")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
	assert.False(t, apperrors.IsRetryable(err))
}

func TestValidateReportsEveryMissingCapability(t *testing.T) {
	err := Validate("hl7-split", TypeSplitter, map[string]string{
		KeySource: "in",
	})
	require.Error(t, err)

	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrConfiguration.Code, appErr.Code)
	assert.Equal(t,
		[]string{KeyAcceptancePolicy, KeyDestination, KeyForwardingPolicy, KeySplitter},
		appErr.Details["missing"])
	assert.Contains(t, appErr.Message, "hl7-split")
}

func TestValidateRejectsMalformedValues(t *testing.T) {
	err := Validate("ingest", TypeTransportInboundAdapter, map[string]string{
		KeySource:           "raw",
		KeyDestination:      "out",
		KeyContentType:      "BINARY",
		KeyAcceptancePolicy: "accept-all",
		KeyForwardingPolicy: "forward-all",
		KeyAcknowledge:      "yes",
	})
	require.Error(t, err)

	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, []string{KeyContentType, KeyAcknowledge}, appErr.Details["invalid"])
	assert.NotContains(t, appErr.Details, "missing")
}

func TestValidateAccepts(t *testing.T) {
	err := Validate("xform", TypeTransformer, map[string]string{
		KeySource:           "in",
		KeyDestination:      "out",
		KeyTransformer:      "cel",
		KeyAcceptancePolicy: "accept-all",
		KeyForwardingPolicy: "forward-all",
	})
	assert.NoError(t, err)

	err = Validate("x", Type("NOPE"), nil)
	assert.True(t, errors.Is(err, apperrors.ErrConfiguration))
}

func TestComponentHelpers(t *testing.T) {
	c := Component{
		Name:          "c1",
		RouteID:       "r1",
		Owner:         "node-a",
		InboundState:  StateRunning,
		OutboundState: StateStopped,
		Configuration: map[string]string{
			"acceptance.allowed_content_types": "HL7,XML",
			"acceptance.other":                 "x",
			"forwarding.expression":            "true",
		},
	}

	assert.Equal(t, "node-a/r1/c1", c.Path())
	assert.Equal(t, StateRunning, c.State(SideInbound))
	assert.Equal(t, StateStopped, c.State(SideOutbound))
	assert.Equal(t, map[string]string{"allowed_content_types": "HL7,XML", "other": "x"}, c.Scoped("acceptance"))
	assert.Empty(t, c.Scoped("transformer"))
}
