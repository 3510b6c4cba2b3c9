//go:build cgo && !noaudio

package audio

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
	"github.com/smallnest/ringbuffer"
)

const (
	// malgoRingMillis sizes the ring between the miniaudio callback
	// and Read. Two seconds absorbs slow pollers without dropping.
	malgoRingMillis = 2000

	malgoPeriodMillis = 20
)

func init() {
	registerBackend("malgo", newMalgoEngine)
}

type malgoEngine struct {
	log zerolog.Logger
	ctx *malgo.AllocatedContext

	input      *malgoSelection
	output     *malgoSelection
	outputRate int

	// closed guards the freed context; Close releases it for good and
	// a fresh engine is needed afterwards.
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

type malgoSelection struct {
	index int
	id    malgo.DeviceID
	name  string
}

func newMalgoEngine(log zerolog.Logger) (Engine, error) {
	log = log.With().Str("backend", "malgo").Logger()
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug().Msg(strings.TrimSpace(message))
	})
	if err != nil {
		return nil, fmt.Errorf("initializing miniaudio context: %w", err)
	}
	return &malgoEngine{log: log, ctx: ctx}, nil
}

func (e *malgoEngine) Name() string { return "malgo" }

func (e *malgoEngine) BufferMillis() int { return malgoRingMillis }

func (e *malgoEngine) Devices(kind DeviceKind) ([]Device, error) {
	devs, _, err := e.devicesWithIDs(kind)
	return devs, err
}

// devicesWithIDs enumerates one kind and keeps the raw miniaudio IDs
// aligned with the catalog indices, so Open* can resolve a selection
// made from the same listing.
func (e *malgoEngine) devicesWithIDs(kind DeviceKind) ([]Device, []malgo.DeviceID, error) {
	if e.closed {
		return nil, nil, errors.New("audio engine closed")
	}
	typ := malgo.Capture
	if kind == Output {
		typ = malgo.Playback
	}
	raw, err := e.ctx.Devices(typ)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerating %s devices: %w", kind, err)
	}
	ids := make([]malgo.DeviceID, 0, len(raw))
	devs := buildCatalog(e.log, kind, len(raw), func(i int) (Device, error) {
		// some backends report the same device twice
		for _, seen := range ids {
			if raw[i].ID == seen {
				return Device{}, &DeviceQueryError{Index: i, Err: errors.New("duplicate device id")}
			}
		}
		info, err := e.ctx.DeviceInfo(typ, raw[i].ID, malgo.Shared)
		if err != nil {
			return Device{}, &DeviceQueryError{Index: i, Err: err}
		}
		ids = append(ids, raw[i].ID)
		return Device{
			Name:    raw[i].Name(),
			Default: info.IsDefault != 0,
		}, nil
	})
	return devs, ids, nil
}

func (e *malgoEngine) OpenOutput(index, rate int) error {
	if rate <= 0 {
		return &DeviceInitError{Kind: Output, Index: index, Err: fmt.Errorf("invalid sample rate %d", rate)}
	}
	sel, err := e.resolve(Output, index)
	if err != nil {
		return err
	}
	if err := e.probe(Output, &sel.id, rate); err != nil {
		return &DeviceInitError{Kind: Output, Index: index, Err: err}
	}
	e.output, e.outputRate = sel, rate
	e.log.Debug().Str("device", sel.name).Int("rate", rate).Msg("output device opened")
	return nil
}

func (e *malgoEngine) OpenInput(index int) error {
	sel, err := e.resolve(Input, index)
	if err != nil {
		return err
	}
	if err := e.probe(Input, &sel.id, 0); err != nil {
		return &DeviceInitError{Kind: Input, Index: index, Err: err}
	}
	e.input = sel
	e.log.Debug().Str("device", sel.name).Msg("input device opened")
	return nil
}

func (e *malgoEngine) resolve(kind DeviceKind, index int) (*malgoSelection, error) {
	devs, ids, err := e.devicesWithIDs(kind)
	if err != nil {
		return nil, &DeviceInitError{Kind: kind, Index: index, Err: err}
	}
	if index < 0 || index >= len(devs) {
		return nil, &DeviceInitError{Kind: kind, Index: index,
			Err: fmt.Errorf("index out of range (%d devices)", len(devs))}
	}
	return &malgoSelection{index: index, id: ids[index], name: devs[index].Name}, nil
}

// probe opens and immediately releases a device so bad selections fail
// at initialization instead of mid-cycle.
func (e *malgoEngine) probe(kind DeviceKind, id *malgo.DeviceID, rate int) error {
	var cfg malgo.DeviceConfig
	if kind == Input {
		cfg = malgo.DefaultDeviceConfig(malgo.Capture)
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = 1
		cfg.Capture.DeviceID = id.Pointer()
	} else {
		cfg = malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = 1
		cfg.Playback.DeviceID = id.Pointer()
	}
	if rate > 0 {
		cfg.SampleRate = uint32(rate)
	}
	cfg.Alsa.NoMMap = 1
	dev, err := malgo.InitDevice(e.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, _ []byte, _ uint32) {},
	})
	if err != nil {
		return err
	}
	dev.Uninit()
	return nil
}

func (e *malgoEngine) StartCapture(rate int) (Capture, error) {
	if e.closed {
		return nil, errors.New("audio engine closed")
	}
	if e.input == nil {
		return nil, &DeviceInitError{Kind: Input, Index: -1, Err: errors.New("input device not initialized")}
	}
	if rate <= 0 {
		return nil, &DeviceInitError{Kind: Input, Index: e.input.index, Err: fmt.Errorf("invalid sample rate %d", rate)}
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.Capture.DeviceID = e.input.id.Pointer()
	cfg.SampleRate = uint32(rate)
	cfg.PeriodSizeInMilliseconds = malgoPeriodMillis
	cfg.Alsa.NoMMap = 1

	c := &malgoCapture{
		log: e.log.With().Str("device", e.input.name).Logger(),
		rb:  ringbuffer.New(rate * BytesPerSample * malgoRingMillis / 1000),
	}
	dev, err := malgo.InitDevice(e.ctx.Context, cfg, malgo.DeviceCallbacks{Data: c.push})
	if err != nil {
		return nil, &DeviceInitError{Kind: Input, Index: e.input.index, Err: err}
	}
	c.dev = dev
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, &DeviceInitError{Kind: Input, Index: e.input.index, Err: err}
	}
	return c, nil
}

type malgoCapture struct {
	log zerolog.Logger
	rb  *ringbuffer.RingBuffer
	dev *malgo.Device

	mu      sync.Mutex
	dropped int

	stopOnce sync.Once
	stopErr  error
}

// push runs on the miniaudio device thread.
func (c *malgoCapture) push(_, in []byte, _ uint32) {
	if len(in) == 0 {
		return
	}
	n, err := c.rb.Write(in)
	if err != nil {
		c.mu.Lock()
		first := c.dropped == 0
		c.dropped += len(in) - n
		c.mu.Unlock()
		if first {
			c.log.Warn().Msg("capture ring full, dropping samples")
		}
	}
}

func (c *malgoCapture) Available() (int, error) {
	return c.rb.Length(), nil
}

func (c *malgoCapture) Read(p []byte) (int, error) {
	n, err := c.rb.Read(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return n, err
	}
	return n, nil
}

func (c *malgoCapture) Stop() error {
	c.stopOnce.Do(func() {
		c.stopErr = c.dev.Stop()
		c.dev.Uninit()
		c.mu.Lock()
		dropped := c.dropped
		c.mu.Unlock()
		if dropped > 0 {
			c.log.Debug().Int("bytes", dropped).Msg("capture ring overruns")
		}
	})
	return c.stopErr
}

func (e *malgoEngine) NewPlayable(byteLen, rate int) (Playable, error) {
	if e.closed {
		return nil, errors.New("audio engine closed")
	}
	if e.output == nil {
		return nil, &DeviceInitError{Kind: Output, Index: -1, Err: errors.New("output device not initialized")}
	}
	if byteLen <= 0 {
		return nil, fmt.Errorf("invalid playable length %d", byteLen)
	}
	if rate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", rate)
	}
	return &malgoPlayable{eng: e, want: byteLen, rate: rate, pcm: make([]byte, 0, byteLen)}, nil
}

type malgoPlayable struct {
	eng  *malgoEngine
	want int
	rate int
	pcm  []byte
}

func (p *malgoPlayable) Write(pcm []byte) error {
	if len(p.pcm)+len(pcm) > p.want {
		return fmt.Errorf("writing %d bytes overflows %d byte playable", len(pcm), p.want)
	}
	p.pcm = append(p.pcm, pcm...)
	return nil
}

func (p *malgoPlayable) Channel() (Channel, error) {
	if len(p.pcm) != p.want {
		return nil, fmt.Errorf("playable has %d of %d bytes", len(p.pcm), p.want)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = 1
	cfg.Playback.DeviceID = p.eng.output.id.Pointer()
	cfg.SampleRate = uint32(p.rate)
	cfg.PeriodSizeInMilliseconds = malgoPeriodMillis
	cfg.Alsa.NoMMap = 1

	ch := &malgoChannel{
		log: p.eng.log.With().Str("device", p.eng.output.name).Logger(),
		pcm: p.pcm,
	}
	dev, err := malgo.InitDevice(p.eng.ctx.Context, cfg, malgo.DeviceCallbacks{Data: ch.pull})
	if err != nil {
		return nil, &DeviceInitError{Kind: Output, Index: p.eng.output.index, Err: err}
	}
	ch.dev = dev
	return ch, nil
}

type malgoChannel struct {
	log zerolog.Logger
	dev *malgo.Device

	mu        sync.Mutex
	pcm       []byte
	pos       int
	drainedAt time.Time
	stopped   bool

	stopOnce sync.Once
	stopErr  error
}

// pull runs on the miniaudio device thread. Once the clip is handed
// over it keeps feeding silence until the channel is released.
func (c *malgoChannel) pull(out, _ []byte, _ uint32) {
	c.mu.Lock()
	n := copy(out, c.pcm[c.pos:])
	c.pos += n
	if c.pos >= len(c.pcm) && c.drainedAt.IsZero() {
		c.drainedAt = time.Now()
	}
	c.mu.Unlock()
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
}

func (c *malgoChannel) Play() error {
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("starting playback: %w", err)
	}
	return nil
}

// Active reports true until the clip has drained and the device has
// had time to flush its final periods, then releases the device.
func (c *malgoChannel) Active() (bool, error) {
	c.mu.Lock()
	stopped, drainedAt := c.stopped, c.drainedAt
	c.mu.Unlock()
	if stopped {
		return false, nil
	}
	if drainedAt.IsZero() || time.Since(drainedAt) < 2*malgoPeriodMillis*time.Millisecond {
		return true, nil
	}
	if err := c.Stop(); err != nil {
		c.log.Debug().Err(err).Msg("releasing drained playback device")
	}
	return false, nil
}

func (c *malgoChannel) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		c.stopErr = c.dev.Stop()
		c.dev.Uninit()
	})
	return c.stopErr
}

func (e *malgoEngine) Close() error {
	e.closeOnce.Do(func() {
		e.closed = true
		if err := e.ctx.Uninit(); err != nil {
			e.closeErr = fmt.Errorf("uninitializing miniaudio context: %w", err)
		}
		e.ctx.Free()
	})
	return e.closeErr
}
