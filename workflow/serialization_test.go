package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializerRoundTrip(t *testing.T) {
	type payload struct {
		Name  string            `json:"name"`
		Count int               `json:"count"`
		Tags  map[string]string `json:"tags,omitempty"`
	}
	ser := newJSONSerializer[payload]()

	in := payload{Name: "order", Count: 3, Tags: map[string]string{"region": "iad1"}}
	encoded, err := ser.Encode(in)
	require.NoError(t, err)

	out, err := ser.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSerializerIsDeterministicForMaps(t *testing.T) {
	// Replay matching compares serialized arguments byte for byte, so map
	// encoding must be stable across invocations.
	ser := newJSONSerializer[map[string]int]()
	in := map[string]int{"zebra": 1, "alpha": 2, "mid": 3}

	first, err := ser.Encode(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := ser.Encode(map[string]int{"mid": 3, "zebra": 1, "alpha": 2})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSerializerDecodeEmpty(t *testing.T) {
	ser := newJSONSerializer[string]()
	out, err := ser.Decode("")
	require.NoError(t, err)
	assert.Equal(t, "", out)
}
