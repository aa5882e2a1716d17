package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCommand(t *testing.T) {
	f := Command("cmd1", "sess1", "continue", 42)
	data, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestDecodeEmptyPayload(t *testing.T) {
	// Binary frames with no payload decode to the zero frame.
	f, err := Decode(nil)
	require.NoError(t, err)
	require.Empty(t, f.Type)
}

func TestDecodeUnknownTypePreserved(t *testing.T) {
	f, err := Decode([]byte(`{"type":"futureThing","extra":"x"}`))
	require.NoError(t, err)
	require.Equal(t, "futureThing", f.Type)
}

func TestDecodeGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)
}

func TestOmitEmptyKeepsFramesSmall(t *testing.T) {
	data, err := Encode(Ping())
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"ping"}`, string(data))
}
