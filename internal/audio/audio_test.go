package audio

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCatalogSkipsFailingDevices(t *testing.T) {
	raw := []string{"usb mic", "broken", "line in"}
	devs := buildCatalog(zerolog.Nop(), Input, len(raw), func(i int) (Device, error) {
		if raw[i] == "broken" {
			return Device{}, &DeviceQueryError{Index: i, Err: errors.New("no description")}
		}
		return Device{Name: raw[i], Default: i == 0}, nil
	})

	require.Len(t, devs, 2)
	assert.Equal(t, "usb mic", devs[0].Name)
	assert.Equal(t, "line in", devs[1].Name)

	// indices stay dense after the skip
	assert.Equal(t, 0, devs[0].Index)
	assert.Equal(t, 1, devs[1].Index)
	assert.True(t, devs[0].Default)
	assert.Equal(t, Input, devs[1].Kind)
}

func TestRegisterAndNew(t *testing.T) {
	registerBackend("fake", func(zerolog.Logger) (Engine, error) {
		return nil, errors.New("fake built")
	})

	_, err := New("fake", zerolog.Nop())
	require.EqualError(t, err, "fake built")

	_, err = New("missing", zerolog.Nop())
	require.ErrorContains(t, err, `unknown audio backend "missing"`)

	assert.Contains(t, Backends(), "fake")
}

func TestPCMToSamplesIgnoresTrailingByte(t *testing.T) {
	src := []byte{0x34, 0x12, 0xFF, 0x7F, 0x01} // final byte has no partner
	dst := make([]int16, 4)

	n := PCMToSamples(src, dst)

	require.Equal(t, 2, n)
	assert.Equal(t, int16(0x1234), dst[0])
	assert.Equal(t, int16(32767), dst[1])
}

func TestSamplesToPCMRoundTrip(t *testing.T) {
	in := []int16{0, -1, 32767, -32768, 1000}
	buf := make([]byte, len(in)*BytesPerSample)

	require.Equal(t, len(buf), SamplesToPCM(in, buf))

	out := make([]int16, len(in))
	require.Equal(t, len(in), PCMToSamples(buf, out))
	assert.Equal(t, in, out)
}

func TestLevelSilence(t *testing.T) {
	level, clipping := Level(make([]int16, 8000))
	assert.Zero(t, level)
	assert.False(t, clipping)

	level, clipping = Level(nil)
	assert.Zero(t, level)
	assert.False(t, clipping)
}

func TestLevelFullScale(t *testing.T) {
	clip := make([]int16, 1000)
	for i := range clip {
		clip[i] = math.MaxInt16
		if i%2 == 1 {
			clip[i] = math.MinInt16
		}
	}

	level, clipping := Level(clip)
	assert.Equal(t, 100, level)
	assert.True(t, clipping)
}

func TestLevelModerateSignal(t *testing.T) {
	// constant magnitude 3276 is very close to -20 dBFS
	clip := make([]int16, 1000)
	for i := range clip {
		clip[i] = 3276
		if i%2 == 1 {
			clip[i] = -3276
		}
	}

	level, clipping := Level(clip)
	assert.Equal(t, 79, level)
	assert.False(t, clipping)
}

func TestErrorTaxonomyUnwraps(t *testing.T) {
	base := errors.New("hw gone")

	wrapped := fmt.Errorf("cycle failed: %w", &DeviceInitError{Kind: Output, Index: 2, Err: base})
	var initErr *DeviceInitError
	require.ErrorAs(t, wrapped, &initErr)
	assert.Equal(t, Output, initErr.Kind)
	assert.Equal(t, 2, initErr.Index)
	require.ErrorIs(t, wrapped, base)

	wrapped = fmt.Errorf("cycle failed: %w", &StreamReadError{Err: base})
	var readErr *StreamReadError
	require.ErrorAs(t, wrapped, &readErr)
	require.ErrorIs(t, wrapped, base)

	var queryErr *DeviceQueryError
	require.ErrorAs(t, &DeviceQueryError{Index: 1, Err: base}, &queryErr)
	require.ErrorIs(t, queryErr, base)
}

func TestDeviceString(t *testing.T) {
	d := Device{Index: 1, Name: "Speakers", Driver: "ALSA", Default: true}
	assert.Equal(t, "1: Speakers [ALSA] (default)", d.String())
	assert.Equal(t, "0: Mic", Device{Name: "Mic"}.String())
}
