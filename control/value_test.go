package control

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValueInt(t *testing.T) {
	v, err := ParseValue(KindInt, "42")
	require.NoError(t, err, "ParseValue should accept a plain integer")
	assert.Equal(t, int64(42), v.Int)
	assert.Equal(t, "42", v.String())
}

func TestParseValueSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"1k":  1 << 10,
		"4M":  4 << 20,
		"2G":  2 << 30,
		"512": 512,
	}
	for in, want := range cases {
		v, err := ParseValue(KindSize, in)
		require.NoError(t, err, "ParseValue(%q)", in)
		assert.Equal(t, want, v.Int, "ParseValue(%q).Int", in)
	}
}

func TestFormatSizeRoundTrips(t *testing.T) {
	v := Value{Kind: KindSize, Int: 4 << 20}
	assert.Equal(t, "4M", v.String())

	reparsed, err := ParseValue(KindSize, v.String())
	require.NoError(t, err, "ParseValue round trip")
	assert.Equal(t, v.Int, reparsed.Int)
}

func TestParseValueUUID(t *testing.T) {
	id := uuid.New()
	v, err := ParseValue(KindUUID, id.String())
	require.NoError(t, err, "ParseValue should accept a UUID string")
	assert.Equal(t, id, v.UUID)
}

func TestParseValueRejectsBadInt(t *testing.T) {
	_, err := ParseValue(KindInt, "not-a-number")
	require.Error(t, err, "ParseValue should reject a non-numeric int")
}
