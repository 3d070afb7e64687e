package serializer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tileview/internal/tile"
)

func TestRaw(t *testing.T) {
	s := NewRaw("")
	require.Equal(t, "application/octet-stream", s.ContentType())
	require.Equal(t, "image/jpeg", NewRaw("image/jpeg").ContentType())

	key := tile.NewKey(3, 1, 2)
	d, err := s.Deserialize(key, strings.NewReader("payload"))
	require.NoError(t, err)
	require.Equal(t, key, d.Key)
	require.Equal(t, []byte("payload"), d.Payload)

	var buf bytes.Buffer
	require.NoError(t, s.Serialize(&buf, d))
	require.Equal(t, "payload", buf.String())

	require.Error(t, s.Serialize(&buf, nil))
}

func TestJSON(t *testing.T) {
	s := NewJSON[[]float64]()
	key := tile.NewKey(4, 2, 9)

	var buf bytes.Buffer
	require.NoError(t, s.Serialize(&buf, tile.NewData(key, []float64{1.5, 0, 3})))
	require.JSONEq(t, `{"level":4,"x":2,"y":9,"payload":[1.5,0,3]}`, buf.String())

	d, err := s.Deserialize(key, &buf)
	require.NoError(t, err)
	require.Equal(t, []float64{1.5, 0, 3}, d.Payload)
}

func TestJSON_RejectsMismatchedKey(t *testing.T) {
	s := NewJSON[int]()
	_, err := s.Deserialize(tile.NewKey(1, 1, 1), strings.NewReader(`{"level":1,"x":1,"y":2,"payload":5}`))
	require.ErrorContains(t, err, "expected 1/1/1")

	_, err = s.Deserialize(tile.NewKey(1, 1, 1), strings.NewReader(`not json`))
	require.Error(t, err)
}
