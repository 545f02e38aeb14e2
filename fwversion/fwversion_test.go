package fwversion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_StripsLeadingVPrefix(t *testing.T) {
	fv, err := Parse("V2.8.8.2104")
	require.NoError(t, err)
	assert.Equal(t, "2.8.8.2104", fv.Raw)
}

func TestParse_InvalidStringReturnsError(t *testing.T) {
	_, err := Parse("not-a-version")
	assert.Error(t, err)
}

func TestSupportsStreamCreateDaxTx_BelowThreshold(t *testing.T) {
	fv, err := Parse("2.8.8.2104")
	require.NoError(t, err)
	assert.False(t, fv.SupportsStreamCreateDaxTx())
}

func TestSupportsStreamCreateDaxTx_AtThreshold(t *testing.T) {
	fv, err := Parse("3.0.0")
	require.NoError(t, err)
	assert.True(t, fv.SupportsStreamCreateDaxTx())
}

func TestSupportsStreamCreateDaxTx_AboveThreshold(t *testing.T) {
	fv, err := Parse("3.2.1")
	require.NoError(t, err)
	assert.True(t, fv.SupportsStreamCreateDaxTx())
}

func TestSupportsStreamCreateDaxTx_UnparsedIsFalse(t *testing.T) {
	var fv FirmwareVersion
	assert.False(t, fv.SupportsStreamCreateDaxTx())
}

func TestCompare_OrdersParsedVersions(t *testing.T) {
	older, err := Parse("2.8.8")
	require.NoError(t, err)
	newer, err := Parse("3.0.0")
	require.NoError(t, err)

	assert.Equal(t, -1, older.Compare(newer))
	assert.Equal(t, 1, newer.Compare(older))
	assert.Equal(t, 0, older.Compare(older))
}
