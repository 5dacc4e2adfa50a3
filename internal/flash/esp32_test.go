package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlipRoundTrip(t *testing.T) {
	tests := [][]byte{
		{0x00, 0x08, 0x01, 0x02},
		{slipEnd, slipEsc, 0x42},
		{},
	}
	for _, data := range tests {
		framed := slipFrame(data)
		assert.Equal(t, byte(slipEnd), framed[0])
		assert.Equal(t, byte(slipEnd), framed[len(framed)-1])

		got, err := slipUnframe(framed)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestSlipEscaping(t *testing.T) {
	framed := slipFrame([]byte{slipEnd})
	// END byte must be escaped inside the frame
	assert.Equal(t, []byte{slipEnd, slipEsc, slipEscEnd, slipEnd}, framed)
}

func TestSlipUnframeRejectsGarbage(t *testing.T) {
	_, err := slipUnframe([]byte{0x01, 0x02})
	assert.Error(t, err)

	_, err = slipUnframe([]byte{slipEnd, slipEsc, 0x00, slipEnd})
	assert.Error(t, err)
}

func TestChecksum(t *testing.T) {
	// XOR seeded with 0xEF
	assert.Equal(t, uint32(0xEF), checksum(nil))
	assert.Equal(t, uint32(0xEF^0x12), checksum([]byte{0x12}))
	assert.Equal(t, uint32(0xEF^0x12^0x34), checksum([]byte{0x12, 0x34}))
}
