package checksum_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telepresenceio/rtpipe/pkg/rtp/checksum"
)

func TestComputeIsDeterministic(t *testing.T) {
	data := []byte("hello, world\n")
	require.Equal(t, checksum.Compute(data), checksum.Compute(append([]byte(nil), data...)))
}

func TestComputeDetectsSingleBitFlip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	base := checksum.Compute(data)

	for byteIdx := range data {
		for bit := 0; bit < 8; bit++ {
			flipped := append([]byte(nil), data...)
			flipped[byteIdx] ^= 1 << bit
			require.NotEqual(t, base, checksum.Compute(flipped),
				"bit %d of byte %d was not detected", bit, byteIdx)
		}
	}
}

func TestComputeHandlesOddLength(t *testing.T) {
	require.NotPanics(t, func() {
		checksum.Compute([]byte{0x42})
	})
}

func TestComputeEmpty(t *testing.T) {
	require.Equal(t, uint16(0xffff), checksum.Compute(nil))
}
