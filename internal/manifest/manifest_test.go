package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydown/bulkfetch/internal/record"
)

func TestParse_BareDigestIsMD5(t *testing.T) {
	entries, err := Parse([]byte(`{"a.json": "d41d8cd98f00b204e9800998ecf8427e"}`))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	assert.Equal(t, "a.json", entries[0].Name)
	assert.Equal(t, record.AlgorithmMD5, entries[0].ExpectedDigest.Algorithm)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", entries[0].ExpectedDigest.Value)
}

func TestParse_ObjectForm(t *testing.T) {
	data := []byte(`{
		"big.bin": {
			"url": "https://example.com/big.bin",
			"digest": {"algorithm": "sha256", "value": "ABCDEF"},
			"size": 1048576
		}
	}`)

	entries, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "big.bin", e.Name)
	assert.Equal(t, "https://example.com/big.bin", e.URL)
	assert.Equal(t, record.AlgorithmSHA256, e.ExpectedDigest.Algorithm)
	assert.Equal(t, "abcdef", e.ExpectedDigest.Value)
	assert.EqualValues(t, 1048576, e.ExpectedSize)
}

func TestParse_UnsupportedAlgorithm(t *testing.T) {
	_, err := Parse([]byte(`{"x": {"url": "u", "digest": {"algorithm": "crc32", "value": "0"}}}`))
	require.Error(t, err)
}

func TestParse_SortedByName(t *testing.T) {
	entries, err := Parse([]byte(`{"z.json": "00000000000000000000000000000000", "a.json": "11111111111111111111111111111111"}`))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a.json", entries[0].Name)
	assert.Equal(t, "z.json", entries[1].Name)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`not json`))
	require.Error(t, err)
}
