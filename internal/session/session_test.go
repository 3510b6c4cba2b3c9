package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/petems/miccheck/internal/audio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEngine scripts the audio boundary. The capture handle serves a
// deterministic stream where sample i has value i, so tests can check
// that clips are continuous across read boundaries.
type fakeEngine struct {
	bufferMillis int
	devices      map[audio.DeviceKind][]audio.Device
	capture      *fakeCapture
	playable     *fakePlayable

	openOutputErr error
	openInputErr  error
	startErr      error
	playableErr   error

	outOpen, inOpen   bool
	outIndex, outRate int
	inIndex           int
	captureRates      []int
	playableLen       int
	playableRate      int
	closed            int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		bufferMillis: 4000,
		devices:      map[audio.DeviceKind][]audio.Device{},
		capture:      &fakeCapture{avail: []int{1 << 20}},
		playable:     &fakePlayable{channel: &fakeChannel{}},
	}
}

func (e *fakeEngine) Name() string      { return "fake" }
func (e *fakeEngine) BufferMillis() int { return e.bufferMillis }

func (e *fakeEngine) Devices(kind audio.DeviceKind) ([]audio.Device, error) {
	return e.devices[kind], nil
}

func (e *fakeEngine) OpenOutput(index, rate int) error {
	if e.openOutputErr != nil {
		return e.openOutputErr
	}
	e.outOpen, e.outIndex, e.outRate = true, index, rate
	return nil
}

func (e *fakeEngine) OpenInput(index int) error {
	if e.openInputErr != nil {
		return e.openInputErr
	}
	e.inOpen, e.inIndex = true, index
	return nil
}

func (e *fakeEngine) StartCapture(rate int) (audio.Capture, error) {
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.captureRates = append(e.captureRates, rate)
	return e.capture, nil
}

func (e *fakeEngine) NewPlayable(byteLen, rate int) (audio.Playable, error) {
	if e.playableErr != nil {
		return nil, e.playableErr
	}
	e.playableLen, e.playableRate = byteLen, rate
	e.playable.want = byteLen
	return e.playable, nil
}

func (e *fakeEngine) Close() error {
	e.closed++
	return nil
}

type fakeCapture struct {
	avail      []int // scripted Available values, last repeats
	availCalls int
	availErr   error
	readErr    error
	shortRead  bool // next Read returns one byte fewer than asked
	pos        int
	asks       []int // byte counts the caller requested
	stops      int
}

func (c *fakeCapture) Available() (int, error) {
	if c.availErr != nil {
		return 0, c.availErr
	}
	i := c.availCalls
	if i >= len(c.avail) {
		i = len(c.avail) - 1
	}
	c.availCalls++
	return c.avail[i], nil
}

func (c *fakeCapture) Read(p []byte) (int, error) {
	if c.readErr != nil {
		return 0, c.readErr
	}
	c.asks = append(c.asks, len(p))
	n := len(p)
	if c.shortRead && n > 0 {
		n--
		c.shortRead = false
	}
	for j := 0; j < n; j++ {
		k := c.pos + j
		v := int16(k / 2)
		if k%2 == 0 {
			p[j] = byte(v)
		} else {
			p[j] = byte(v >> 8)
		}
	}
	c.pos += n
	return n, nil
}

func (c *fakeCapture) Stop() error {
	c.stops++
	return nil
}

type fakePlayable struct {
	want       int
	got        []byte
	writeErr   error
	channel    *fakeChannel
	channelErr error
}

func (p *fakePlayable) Write(pcm []byte) error {
	if p.writeErr != nil {
		return p.writeErr
	}
	p.got = append(p.got, pcm...)
	return nil
}

func (p *fakePlayable) Channel() (audio.Channel, error) {
	if p.channelErr != nil {
		return nil, p.channelErr
	}
	return p.channel, nil
}

type fakeChannel struct {
	activePolls int // Active reports true this many times
	polls       int
	plays       int
	stops       int
	playErr     error
	activeErr   error
}

func (c *fakeChannel) Play() error {
	c.plays++
	return c.playErr
}

func (c *fakeChannel) Active() (bool, error) {
	if c.activeErr != nil {
		return false, c.activeErr
	}
	if c.polls < c.activePolls {
		c.polls++
		return true, nil
	}
	return false, nil
}

func (c *fakeChannel) Stop() error {
	c.stops++
	return nil
}

type fakeSleeper struct {
	calls   int
	onSleep func(call int)
}

func (f *fakeSleeper) sleep(time.Duration) {
	f.calls++
	if f.onSleep != nil {
		f.onSleep(f.calls)
	}
}

func newTestSession(eng audio.Engine) (*Session, *fakeSleeper) {
	s := New(Config{Engine: eng, Logger: zerolog.Nop()})
	sl := &fakeSleeper{}
	s.sleep = sl.sleep
	return s, sl
}

func mustReady(t *testing.T, s *Session, rate int) {
	t.Helper()
	require.NoError(t, s.Initialize(0, rate))
	require.NoError(t, s.InitializeRecording(0))
}

func TestCaptureExactLength(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, sl := newTestSession(eng)
	mustReady(t, s, 8000)

	clip, err := s.Capture(context.Background(), 3*time.Second)
	require.NoError(t, err)
	require.Len(t, clip, 24000)

	assert.Equal(t, int16(0), clip[0])
	assert.Equal(t, int16(1), clip[1])
	assert.Equal(t, int16(23999), clip[23999])

	assert.Zero(t, sl.calls)
	assert.Equal(t, []int{8000}, eng.captureRates)
	assert.Equal(t, 1, eng.capture.stops)
	assert.Equal(t, StateReady, s.State())
}

func TestCaptureWaitsThenDrains(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	// nothing buffered on the first two polls, then a trickle, then
	// everything that is still needed (22000 samples = 44000 bytes)
	eng.capture = &fakeCapture{avail: []int{0, 0, 4000, 44000}}
	s, sl := newTestSession(eng)
	mustReady(t, s, 8000)

	var stateAtSleep State
	sl.onSleep = func(int) { stateAtSleep = s.State() }

	clip, err := s.Capture(context.Background(), 3*time.Second)
	require.NoError(t, err)
	require.Len(t, clip, 24000)

	assert.Equal(t, 2, sl.calls)
	assert.Equal(t, StateCapturing, stateAtSleep)
	assert.Equal(t, []int{4000, 44000}, eng.capture.asks)

	// the clip is continuous across the read boundary
	assert.Equal(t, int16(1999), clip[1999])
	assert.Equal(t, int16(2000), clip[2000])
	assert.Equal(t, int16(23999), clip[23999])
}

func TestCaptureDropsExcess(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	// the final burst holds 30000 samples but only 22000 are needed
	eng.capture = &fakeCapture{avail: []int{0, 0, 4000, 60000}}
	s, sl := newTestSession(eng)
	mustReady(t, s, 8000)

	clip, err := s.Capture(context.Background(), 3*time.Second)
	require.NoError(t, err)
	require.Len(t, clip, 24000)

	assert.Equal(t, 2, sl.calls)
	assert.Equal(t, []int{4000, 60000}, eng.capture.asks)
	assert.Equal(t, int16(23999), clip[23999])
}

func TestCaptureWaitsForWholeSample(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	// a lone byte is not a sample yet; wait for its partner
	eng.capture = &fakeCapture{avail: []int{1, 16}}
	s, sl := newTestSession(eng)
	mustReady(t, s, 8000)

	clip, err := s.Capture(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.Len(t, clip, 8)

	assert.Equal(t, 1, sl.calls)
	assert.Equal(t, []int{16}, eng.capture.asks)
}

func TestCaptureTruncatesOddRead(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.capture = &fakeCapture{avail: []int{16}, shortRead: true}
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	// first read returns 15 of 16 bytes, worth 7 whole samples; the
	// next read covers the remainder
	clip, err := s.Capture(context.Background(), time.Millisecond)
	require.NoError(t, err)
	require.Len(t, clip, 8)
	assert.Equal(t, []int{16, 16}, eng.capture.asks)
}

func TestCaptureFractionalDuration(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	clip, err := s.Capture(context.Background(), 1500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, clip, 12000)
}

func TestCaptureCanceled(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.capture = &fakeCapture{avail: []int{0}}
	s, sl := newTestSession(eng)
	mustReady(t, s, 8000)

	ctx, cancel := context.WithCancel(context.Background())
	sl.onSleep = func(int) { cancel() }

	clip, err := s.Capture(ctx, 3*time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, clip)
	assert.Equal(t, 1, eng.capture.stops)
	assert.Equal(t, StateReady, s.State())
}

func TestCaptureAvailableError(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.capture = &fakeCapture{avail: []int{0}, availErr: errors.New("device unplugged")}
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	_, err := s.Capture(context.Background(), time.Second)
	var readErr *audio.StreamReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, 1, eng.capture.stops)
	assert.Equal(t, StateReady, s.State())
}

func TestCaptureReadError(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.capture = &fakeCapture{avail: []int{1024}, readErr: errors.New("stream torn down")}
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	_, err := s.Capture(context.Background(), time.Second)
	var readErr *audio.StreamReadError
	require.ErrorAs(t, err, &readErr)
	require.ErrorContains(t, err, "stream torn down")
}

func TestCaptureStartError(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.startErr = &audio.DeviceInitError{Kind: audio.Input, Index: 0, Err: errors.New("busy")}
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	_, err := s.Capture(context.Background(), time.Second)
	var initErr *audio.DeviceInitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, audio.Input, initErr.Kind)
	assert.Equal(t, StateReady, s.State())
}

func TestCaptureRequiresInput(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)
	require.NoError(t, s.Initialize(0, 8000))

	_, err := s.Capture(context.Background(), time.Second)
	require.ErrorContains(t, err, "input")
}

func TestCaptureRequiresReady(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)

	_, err := s.Capture(context.Background(), time.Second)
	require.ErrorContains(t, err, "uninitialized")
}

func TestCaptureRequiresRate(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)
	require.NoError(t, s.InitializeRecording(0))

	_, err := s.Capture(context.Background(), time.Second)
	require.ErrorContains(t, err, "sample rate")
}

func TestCaptureRejectsShortDuration(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	_, err := s.Capture(context.Background(), 0)
	require.ErrorContains(t, err, "too short")
}

func TestInitializeValidation(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)

	require.ErrorContains(t, s.Initialize(0, 0), "sample rate")

	require.NoError(t, s.Initialize(1, 44100))
	assert.Equal(t, 1, eng.outIndex)
	assert.Equal(t, 44100, eng.outRate)
	assert.Equal(t, 44100, s.SampleRate())

	require.ErrorContains(t, s.Initialize(1, 44100), "already initialized")
}

func TestInitializeOpenFailure(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.openOutputErr = &audio.DeviceInitError{Kind: audio.Output, Index: 3, Err: errors.New("no such device")}
	s, _ := newTestSession(eng)

	err := s.Initialize(3, 44100)
	var initErr *audio.DeviceInitError
	require.ErrorAs(t, err, &initErr)
	assert.Equal(t, 3, initErr.Index)
	assert.Equal(t, StateUninitialized, s.State())
	assert.Zero(t, s.SampleRate())
}

func TestPlaybackDrainsChannel(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.playable.channel = &fakeChannel{activePolls: 3}
	s, sl := newTestSession(eng)
	mustReady(t, s, 8000)

	clip := []int16{10, -20, 30, -40}
	require.NoError(t, s.Playback(context.Background(), clip))

	assert.Equal(t, 8, eng.playableLen)
	assert.Equal(t, 8000, eng.playableRate)
	require.Len(t, eng.playable.got, 8)

	back := make([]int16, 4)
	audio.PCMToSamples(eng.playable.got, back)
	assert.Equal(t, clip, back)

	assert.Equal(t, 1, eng.playable.channel.plays)
	assert.Equal(t, 3, sl.calls)
	// natural completion releases the channel itself
	assert.Zero(t, eng.playable.channel.stops)
	assert.Equal(t, StateReady, s.State())
}

func TestPlaybackCanceled(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.playable.channel = &fakeChannel{activePolls: 1 << 20}
	s, sl := newTestSession(eng)
	mustReady(t, s, 8000)

	ctx, cancel := context.WithCancel(context.Background())
	sl.onSleep = func(int) { cancel() }

	err := s.Playback(ctx, []int16{1, 2, 3})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, eng.playable.channel.stops)
	assert.Equal(t, StateReady, s.State())
}

func TestPlaybackActiveError(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.playable.channel = &fakeChannel{activeErr: errors.New("render died")}
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	err := s.Playback(context.Background(), []int16{1})
	require.ErrorContains(t, err, "render died")
	assert.Equal(t, 1, eng.playable.channel.stops)
	assert.Equal(t, StateReady, s.State())
}

func TestPlaybackRequiresOutput(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)
	require.NoError(t, s.InitializeRecording(0))

	err := s.Playback(context.Background(), []int16{1})
	require.ErrorContains(t, err, "output")
}

func TestPlaybackEmptyClip(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	require.NoError(t, s.Playback(context.Background(), nil))
	assert.Zero(t, eng.playableLen)
	assert.Zero(t, eng.playable.channel.plays)
}

func TestShutdownIdempotent(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)

	// shutdown before any initialization is a no-op
	require.NoError(t, s.Shutdown())
	assert.Zero(t, eng.closed)

	mustReady(t, s, 8000)
	require.NoError(t, s.Shutdown())
	assert.Equal(t, 1, eng.closed)
	assert.Equal(t, StateUninitialized, s.State())
	assert.Zero(t, s.SampleRate())

	require.NoError(t, s.Shutdown())
	assert.Equal(t, 1, eng.closed)
}

func TestShutdownAfterPartialInit(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.openInputErr = errors.New("mic denied")
	s, _ := newTestSession(eng)

	require.NoError(t, s.Initialize(0, 8000))
	require.Error(t, s.InitializeRecording(0))

	require.NoError(t, s.Shutdown())
	assert.Equal(t, 1, eng.closed)
	assert.Equal(t, StateUninitialized, s.State())
}

func TestReinitializeAfterShutdown(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	s, _ := newTestSession(eng)

	mustReady(t, s, 8000)
	require.NoError(t, s.Shutdown())

	mustReady(t, s, 44100)
	assert.Equal(t, 44100, s.SampleRate())
	assert.Equal(t, StateReady, s.State())
}

func TestFullCycleEndToEnd(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine()
	eng.playable.channel = &fakeChannel{activePolls: 2}
	s, _ := newTestSession(eng)
	mustReady(t, s, 8000)

	clip, err := s.Capture(context.Background(), 3*time.Second)
	require.NoError(t, err)
	require.Len(t, clip, 24000)

	require.NoError(t, s.Playback(context.Background(), clip))
	assert.Equal(t, 48000, eng.playableLen)
	assert.Len(t, eng.playable.got, 48000)
	assert.Equal(t, 1, eng.playable.channel.plays)
	// natural completion, no explicit channel stop
	assert.Equal(t, 0, eng.playable.channel.stops)

	require.NoError(t, s.Shutdown())
	assert.Equal(t, StateUninitialized, s.State())
}
