//go:build cgo && !noaudio

package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
	"github.com/smallnest/ringbuffer"
)

const (
	paRingMillis   = 2000
	paPeriodMillis = 20
)

func init() {
	registerBackend("portaudio", newPortAudioEngine)
}

type paEngine struct {
	log zerolog.Logger

	in       *portaudio.DeviceInfo
	inIndex  int
	out      *portaudio.DeviceInfo
	outIndex int
	outRate  int

	closeOnce sync.Once
	closeErr  error
}

func newPortAudioEngine(log zerolog.Logger) (Engine, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &paEngine{log: log.With().Str("backend", "portaudio").Logger()}, nil
}

func (e *paEngine) Name() string { return "portaudio" }

func (e *paEngine) BufferMillis() int { return paRingMillis }

// rawDevices filters the flat PortAudio listing down to one kind. The
// filtered order is the catalog order, so resolve sees the same
// indices Devices reported.
func (e *paEngine) rawDevices(kind DeviceKind) ([]*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}
	result := make([]*portaudio.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		if kind == Input && d.MaxInputChannels > 0 {
			result = append(result, d)
		}
		if kind == Output && d.MaxOutputChannels > 0 {
			result = append(result, d)
		}
	}
	return result, nil
}

func (e *paEngine) Devices(kind DeviceKind) ([]Device, error) {
	raw, err := e.rawDevices(kind)
	if err != nil {
		return nil, err
	}
	var def *portaudio.DeviceInfo
	if kind == Input {
		def, _ = portaudio.DefaultInputDevice()
	} else {
		def, _ = portaudio.DefaultOutputDevice()
	}
	return buildCatalog(e.log, kind, len(raw), func(i int) (Device, error) {
		d := raw[i]
		driver := ""
		if d.HostApi != nil {
			driver = d.HostApi.Name
		}
		return Device{
			Name:    d.Name,
			Driver:  driver,
			Default: d == def,
		}, nil
	}), nil
}

func (e *paEngine) resolve(kind DeviceKind, index int) (*portaudio.DeviceInfo, error) {
	raw, err := e.rawDevices(kind)
	if err != nil {
		return nil, &DeviceInitError{Kind: kind, Index: index, Err: err}
	}
	if index < 0 || index >= len(raw) {
		return nil, &DeviceInitError{Kind: kind, Index: index,
			Err: fmt.Errorf("index out of range (%d devices)", len(raw))}
	}
	return raw[index], nil
}

func (e *paEngine) OpenOutput(index, rate int) error {
	if rate <= 0 {
		return &DeviceInitError{Kind: Output, Index: index, Err: fmt.Errorf("invalid sample rate %d", rate)}
	}
	dev, err := e.resolve(Output, index)
	if err != nil {
		return err
	}
	buf := make([]int16, 64)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: len(buf),
	}, buf)
	if err != nil {
		return &DeviceInitError{Kind: Output, Index: index, Err: err}
	}
	stream.Close()
	e.out, e.outIndex, e.outRate = dev, index, rate
	e.log.Debug().Str("device", dev.Name).Int("rate", rate).Msg("output device opened")
	return nil
}

func (e *paEngine) OpenInput(index int) error {
	dev, err := e.resolve(Input, index)
	if err != nil {
		return err
	}
	buf := make([]int16, 64)
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      dev.DefaultSampleRate,
		FramesPerBuffer: len(buf),
	}, buf)
	if err != nil {
		return &DeviceInitError{Kind: Input, Index: index, Err: err}
	}
	stream.Close()
	e.in, e.inIndex = dev, index
	e.log.Debug().Str("device", dev.Name).Msg("input device opened")
	return nil
}

func (e *paEngine) StartCapture(rate int) (Capture, error) {
	if e.in == nil {
		return nil, &DeviceInitError{Kind: Input, Index: -1, Err: errors.New("input device not initialized")}
	}
	if rate <= 0 {
		return nil, &DeviceInitError{Kind: Input, Index: e.inIndex, Err: fmt.Errorf("invalid sample rate %d", rate)}
	}

	frames := rate * paPeriodMillis / 1000
	c := &paCapture{
		log:  e.log.With().Str("device", e.in.Name).Logger(),
		rb:   ringbuffer.New(rate * BytesPerSample * paRingMillis / 1000),
		buf:  make([]int16, frames),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   e.in,
			Channels: 1,
			Latency:  e.in.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: frames,
	}, c.buf)
	if err != nil {
		return nil, &DeviceInitError{Kind: Input, Index: e.inIndex, Err: err}
	}
	c.stream = stream
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, &DeviceInitError{Kind: Input, Index: e.inIndex, Err: err}
	}
	go c.pump()
	return c, nil
}

type paCapture struct {
	log    zerolog.Logger
	rb     *ringbuffer.RingBuffer
	stream *portaudio.Stream
	buf    []int16
	quit   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pumpErr error
	dropped int

	stopOnce sync.Once
	stopErr  error
}

// pump moves periods from the blocking PortAudio stream into the ring
// until Stop tears the stream down.
func (c *paCapture) pump() {
	defer close(c.done)
	scratch := make([]byte, len(c.buf)*BytesPerSample)
	for {
		select {
		case <-c.quit:
			return
		default:
		}
		err := c.stream.Read()
		switch {
		case err == nil:
		case errors.Is(err, portaudio.InputOverflowed):
			// the host dropped frames but this period is intact
		default:
			select {
			case <-c.quit:
			default:
				c.mu.Lock()
				c.pumpErr = err
				c.mu.Unlock()
			}
			return
		}
		n := SamplesToPCM(c.buf, scratch)
		if _, werr := c.rb.Write(scratch[:n]); werr != nil {
			c.mu.Lock()
			first := c.dropped == 0
			c.dropped += n
			c.mu.Unlock()
			if first {
				c.log.Warn().Msg("capture ring full, dropping samples")
			}
		}
	}
}

func (c *paCapture) Available() (int, error) {
	c.mu.Lock()
	err := c.pumpErr
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return c.rb.Length(), nil
}

func (c *paCapture) Read(p []byte) (int, error) {
	c.mu.Lock()
	err := c.pumpErr
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n, err := c.rb.Read(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return n, err
	}
	return n, nil
}

func (c *paCapture) Stop() error {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.stopErr = c.stream.Stop()
		<-c.done
		if cerr := c.stream.Close(); cerr != nil && c.stopErr == nil {
			c.stopErr = cerr
		}
		c.mu.Lock()
		dropped := c.dropped
		c.mu.Unlock()
		if dropped > 0 {
			c.log.Debug().Int("bytes", dropped).Msg("capture ring overruns")
		}
	})
	return c.stopErr
}

func (e *paEngine) NewPlayable(byteLen, rate int) (Playable, error) {
	if e.out == nil {
		return nil, &DeviceInitError{Kind: Output, Index: -1, Err: errors.New("output device not initialized")}
	}
	if byteLen <= 0 {
		return nil, fmt.Errorf("invalid playable length %d", byteLen)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", rate)
	}
	return &paPlayable{eng: e, want: byteLen, rate: rate, pcm: make([]byte, 0, byteLen)}, nil
}

type paPlayable struct {
	eng  *paEngine
	want int
	rate int
	pcm  []byte
}

func (p *paPlayable) Write(pcm []byte) error {
	if len(p.pcm)+len(pcm) > p.want {
		return fmt.Errorf("writing %d bytes overflows %d byte playable", len(pcm), p.want)
	}
	p.pcm = append(p.pcm, pcm...)
	return nil
}

func (p *paPlayable) Channel() (Channel, error) {
	if len(p.pcm) != p.want {
		return nil, fmt.Errorf("playable has %d of %d bytes", len(p.pcm), p.want)
	}

	frames := p.rate * paPeriodMillis / 1000
	ch := &paChannel{
		log:  p.eng.log.With().Str("device", p.eng.out.Name).Logger(),
		buf:  make([]int16, frames),
		pcm:  p.pcm,
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	stream, err := portaudio.OpenStream(portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   p.eng.out,
			Channels: 1,
			Latency:  p.eng.out.DefaultLowOutputLatency,
		},
		SampleRate:      float64(p.rate),
		FramesPerBuffer: frames,
	}, ch.buf)
	if err != nil {
		return nil, &DeviceInitError{Kind: Output, Index: p.eng.outIndex, Err: err}
	}
	ch.stream = stream
	return ch, nil
}

type paChannel struct {
	log    zerolog.Logger
	stream *portaudio.Stream
	buf    []int16
	pcm    []byte
	quit   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	finished  bool
	renderErr error

	stopOnce sync.Once
	tdOnce   sync.Once
	tdErr    error
}

func (c *paChannel) Play() error {
	c.mu.Lock()
	started := c.started
	c.started = true
	c.mu.Unlock()
	if started {
		return errors.New("channel already playing")
	}
	if err := c.stream.Start(); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return fmt.Errorf("failed to start audio stream: %w", err)
	}
	go c.render()
	return nil
}

// render feeds the clip one period at a time through the blocking
// stream, pads the tail with silence, then releases the stream.
func (c *paChannel) render() {
	defer close(c.done)
	pos := 0
	for pos < len(c.pcm) {
		select {
		case <-c.quit:
			return
		default:
		}
		n := PCMToSamples(c.pcm[pos:], c.buf)
		for i := n; i < len(c.buf); i++ {
			c.buf[i] = 0
		}
		pos += n * BytesPerSample
		err := c.stream.Write()
		if err != nil && !errors.Is(err, portaudio.OutputUnderflowed) {
			c.mu.Lock()
			c.renderErr = err
			c.mu.Unlock()
			return
		}
	}
	// one silent period so the hardware flushes the tail
	for i := range c.buf {
		c.buf[i] = 0
	}
	_ = c.stream.Write()
	c.teardown(false)
	c.mu.Lock()
	c.finished = true
	c.mu.Unlock()
}

func (c *paChannel) Active() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renderErr != nil {
		return false, c.renderErr
	}
	return c.started && !c.finished, nil
}

func (c *paChannel) Stop() error {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.mu.Lock()
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
		c.tdErr = c.teardown(true)
		c.mu.Lock()
		c.finished = true
		c.mu.Unlock()
	})
	return c.tdErr
}

func (c *paChannel) teardown(abort bool) error {
	c.tdOnce.Do(func() {
		var err error
		if abort {
			err = c.stream.Abort()
		} else {
			err = c.stream.Stop()
		}
		if cerr := c.stream.Close(); err == nil {
			err = cerr
		}
		c.tdErr = err
	})
	return c.tdErr
}

func (e *paEngine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = portaudio.Terminate()
	})
	return e.closeErr
}
