package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/miccheck/internal/audio"
)

// State tracks where a session is in its lifecycle.
type State uint8

const (
	StateUninitialized State = iota
	StateReady
	StateCapturing
	StatePlayingBack
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateCapturing:
		return "capturing"
	case StatePlayingBack:
		return "playing-back"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

const defaultPollInterval = 20 * time.Millisecond

// Config holds session dependencies.
type Config struct {
	Engine audio.Engine

	// PollInterval paces the capture and playback wait loops.
	// Zero means the default of 20ms.
	PollInterval time.Duration

	Logger zerolog.Logger
}

// Session owns one engine's record/playback lifecycle. Methods are
// safe for concurrent use, but capture and playback cycles are
// exclusive: a cycle must finish before the next one starts.
type Session struct {
	eng   audio.Engine
	log   zerolog.Logger
	poll  time.Duration
	sleep func(time.Duration)

	mu         sync.Mutex
	state      State
	rate       int
	inputOpen  bool
	outputOpen bool
}

// New creates an uninitialized session around an engine.
func New(cfg Config) *Session {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Session{
		eng:   cfg.Engine,
		log:   cfg.Logger.With().Str("session", uuid.NewString()).Logger(),
		poll:  poll,
		sleep: time.Sleep,
	}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SampleRate reports the rate the session was initialized with, or
// zero before Initialize.
func (s *Session) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate
}

// Initialize opens the output device at the catalog index and fixes
// the session sample rate. It must not be called again before
// Shutdown.
func (s *Session) Initialize(outputIndex, rate int) error {
	if rate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", rate)
	}
	s.mu.Lock()
	if s.state == StateCapturing || s.state == StatePlayingBack {
		s.mu.Unlock()
		return fmt.Errorf("cannot initialize while %s", s.state)
	}
	if s.outputOpen {
		s.mu.Unlock()
		return errors.New("output already initialized, shutdown first")
	}
	s.mu.Unlock()

	if err := s.eng.OpenOutput(outputIndex, rate); err != nil {
		return err
	}

	s.mu.Lock()
	s.outputOpen = true
	s.rate = rate
	s.state = StateReady
	s.mu.Unlock()
	s.log.Info().Int("device", outputIndex).Int("rate", rate).Msg("output initialized")
	return nil
}

// InitializeRecording opens the input device at the catalog index.
// The input side is independent of the output side, but Capture needs
// the sample rate fixed by Initialize.
func (s *Session) InitializeRecording(inputIndex int) error {
	s.mu.Lock()
	if s.state == StateCapturing || s.state == StatePlayingBack {
		s.mu.Unlock()
		return fmt.Errorf("cannot initialize while %s", s.state)
	}
	if s.inputOpen {
		s.mu.Unlock()
		return errors.New("input already initialized, shutdown first")
	}
	s.mu.Unlock()

	if err := s.eng.OpenInput(inputIndex); err != nil {
		return err
	}

	s.mu.Lock()
	s.inputOpen = true
	s.state = StateReady
	s.mu.Unlock()
	s.log.Info().Int("device", inputIndex).Msg("input initialized")
	return nil
}

// Capture records duration worth of mono samples at the session rate.
// It polls the capture stream, sleeping one poll interval whenever the
// hardware has nothing buffered, and returns exactly rate*duration
// samples. Data beyond the target is dropped.
func (s *Session) Capture(ctx context.Context, duration time.Duration) ([]int16, error) {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return nil, fmt.Errorf("capture requires a ready session, state is %s", s.state)
	}
	if !s.inputOpen {
		s.mu.Unlock()
		return nil, errors.New("capture requires an initialized input device")
	}
	rate := s.rate
	if rate <= 0 {
		s.mu.Unlock()
		return nil, errors.New("capture requires the sample rate fixed by Initialize")
	}
	target := int(int64(duration) * int64(rate) / int64(time.Second))
	if target <= 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("capture duration %s too short at %d Hz", duration, rate)
	}
	s.state = StateCapturing
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.state == StateCapturing {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	rec, err := s.eng.StartCapture(rate)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rec.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("stopping capture stream")
		}
	}()

	scratch := make([]byte, s.scratchBytes(rate))
	samples := make([]int16, target)
	written := 0

	s.log.Debug().Int("rate", rate).Int("target", target).Msg("capture started")
	for written < target {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		avail, err := rec.Available()
		if err != nil {
			return nil, &audio.StreamReadError{Err: err}
		}
		if avail > len(scratch) {
			avail = len(scratch)
		}
		// only ever ask for whole samples, so a split pair stays
		// buffered until its partner arrives
		avail &^= 1
		if avail == 0 {
			s.sleep(s.poll)
			continue
		}
		got, err := rec.Read(scratch[:avail])
		if err != nil {
			return nil, &audio.StreamReadError{Err: err}
		}
		if got%audio.BytesPerSample != 0 {
			s.log.Debug().Int("bytes", got).Msg("dropping split sample from short read")
			got &^= 1
		}
		written += audio.PCMToSamples(scratch[:got], samples[written:])
	}
	s.log.Debug().Int("samples", written).Msg("capture complete")
	return samples, nil
}

// scratchBytes sizes the read scratch to cover everything the engine
// can buffer between polls.
func (s *Session) scratchBytes(rate int) int {
	n := rate * s.eng.BufferMillis() / 1000 * audio.BytesPerSample
	if n <= 0 {
		n = 4096
	}
	return n
}

// Playback renders a clip on the output device and blocks until the
// channel reports inactive. The channel releases its device on natural
// completion; Playback only stops it on cancellation or error.
func (s *Session) Playback(ctx context.Context, clip []int16) error {
	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return fmt.Errorf("playback requires a ready session, state is %s", s.state)
	}
	if !s.outputOpen {
		s.mu.Unlock()
		return errors.New("playback requires an initialized output device")
	}
	rate := s.rate
	if len(clip) == 0 {
		s.mu.Unlock()
		s.log.Debug().Msg("skipping empty clip")
		return nil
	}
	s.state = StatePlayingBack
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.state == StatePlayingBack {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	pl, err := s.eng.NewPlayable(len(clip)*audio.BytesPerSample, rate)
	if err != nil {
		return err
	}
	pcm := make([]byte, len(clip)*audio.BytesPerSample)
	audio.SamplesToPCM(clip, pcm)
	if err := pl.Write(pcm); err != nil {
		return fmt.Errorf("loading clip: %w", err)
	}
	ch, err := pl.Channel()
	if err != nil {
		return err
	}
	stop := func() {
		if err := ch.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("stopping playback channel")
		}
	}
	if err := ch.Play(); err != nil {
		stop()
		return err
	}

	s.log.Debug().Int("samples", len(clip)).Msg("playback started")
	for {
		if err := ctx.Err(); err != nil {
			stop()
			return err
		}
		active, err := ch.Active()
		if err != nil {
			stop()
			return fmt.Errorf("polling playback channel: %w", err)
		}
		if !active {
			s.log.Debug().Msg("playback complete")
			return nil
		}
		s.sleep(s.poll)
	}
}

// Shutdown closes the engine and resets the session. It is idempotent
// and safe after partial initialization.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.state == StateUninitialized {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateCapturing || s.state == StatePlayingBack {
		s.log.Warn().Stringer("state", s.state).Msg("shutting down with an active cycle")
	}
	s.state = StateUninitialized
	s.inputOpen = false
	s.outputOpen = false
	s.rate = 0
	s.mu.Unlock()

	if err := s.eng.Close(); err != nil {
		return fmt.Errorf("closing audio engine: %w", err)
	}
	s.log.Info().Msg("session shut down")
	return nil
}
