package audio

import "encoding/binary"

// BytesPerSample is the width of one 16-bit PCM sample on the wire.
const BytesPerSample = 2

// PCMToSamples decodes little-endian 16-bit PCM from src into dst and
// returns the number of samples written. Trailing odd bytes in src are
// ignored.
func PCMToSamples(src []byte, dst []int16) int {
	n := len(src) / BytesPerSample
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*BytesPerSample:]))
	}
	return n
}

// SamplesToPCM encodes src as little-endian 16-bit PCM into dst and
// returns the number of bytes written.
func SamplesToPCM(src []int16, dst []byte) int {
	n := len(src)
	if max := len(dst) / BytesPerSample; n > max {
		n = max
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(dst[i*BytesPerSample:], uint16(src[i]))
	}
	return n * BytesPerSample
}
