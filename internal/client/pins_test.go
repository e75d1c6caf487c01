package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uuuuuuho/mgpu-server/pkg/proto"
)

func TestParsePins(t *testing.T) {
	pins, err := ParsePins("n1:0,1;n2:2")
	require.NoError(t, err)
	assert.Equal(t, []proto.Pin{
		{NodeID: "n1", GPUs: []int{0, 1}},
		{NodeID: "n2", GPUs: []int{2}},
	}, pins)
}

func TestParsePinsSingle(t *testing.T) {
	pins, err := ParsePins("gpu-host:3")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, "gpu-host", pins[0].NodeID)
	assert.Equal(t, []int{3}, pins[0].GPUs)
}

func TestParsePinsErrors(t *testing.T) {
	for _, bad := range []string{"", "n1", "n1:", "n1:a", ":0", "n1:-1", ";;"} {
		_, err := ParsePins(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}
