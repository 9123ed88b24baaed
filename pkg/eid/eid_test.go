package eid

import (
	"testing"

	"github.com/dtnwg/bplib"
	"github.com/stretchr/testify/assert"
)

func TestParseRoundTrip(t *testing.T) {
	node, service, status := Parse("ipn:3.4")
	assert.Equal(t, bplib.StatusSuccess, status)
	assert.EqualValues(t, 3, node)
	assert.EqualValues(t, 4, service)
	assert.Equal(t, "ipn:3.4", Format(node, service))
}

func TestParseEIDTyped(t *testing.T) {
	node, service, status := ParseEID("ipn:1.2")
	assert.Equal(t, bplib.StatusSuccess, status)
	assert.Equal(t, bplib.EID(1), node)
	assert.Equal(t, bplib.EID(2), service)
	assert.Equal(t, "ipn:1.2", FormatEID(node, service))
}

func TestParseRejectsBadSyntax(t *testing.T) {
	cases := []string{
		"",
		"dtn:none",
		"ipn:3",
		"ipn:3.",
		"ipn:.4",
		"ipn:a.b",
		"ipn:3.4.5",
		"ipn3.4",
	}
	for _, c := range cases {
		_, _, status := Parse(c)
		assert.Equal(t, bplib.StatusParmErr, status, "input %q should fail", c)
	}
}
