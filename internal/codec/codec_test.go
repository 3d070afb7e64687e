package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecs(t *testing.T) {
	payload := bytes.Repeat([]byte("tile-bin-0042;"), 500)

	for _, name := range []string{"", "none", "gzip", "zstd", "lz4", "ZSTD"} {
		c, err := ByName(name)
		require.NoError(t, err, name)

		encoded, err := c.Encode(payload)
		require.NoError(t, err, name)
		if c.Name() != "none" {
			require.Less(t, len(encoded), len(payload), name)
		}

		decoded, err := c.Decode(encoded)
		require.NoError(t, err, name)
		require.Equal(t, payload, decoded, name)
	}
}

func TestByName_Unknown(t *testing.T) {
	_, err := ByName("brotli")
	require.ErrorContains(t, err, "unknown codec")
}

func TestDecode_Garbage(t *testing.T) {
	garbage := []byte("definitely not compressed")
	for _, name := range []string{"gzip", "zstd", "lz4"} {
		c, err := ByName(name)
		require.NoError(t, err)
		_, err = c.Decode(garbage)
		require.Error(t, err, name)
	}
}
