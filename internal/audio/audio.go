package audio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DeviceKind selects which side of the audio hardware an operation
// refers to.
type DeviceKind int

const (
	Input DeviceKind = iota
	Output
)

func (k DeviceKind) String() string {
	switch k {
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Device describes one enumerated audio device. Index is the position
// within the catalog returned by Engine.Devices for the same kind and
// is what Open* operations accept.
type Device struct {
	Index   int
	Kind    DeviceKind
	Name    string
	Driver  string
	Default bool
}

func (d Device) String() string {
	s := fmt.Sprintf("%d: %s", d.Index, d.Name)
	if d.Driver != "" {
		s += fmt.Sprintf(" [%s]", d.Driver)
	}
	if d.Default {
		s += " (default)"
	}
	return s
}

// Engine is the boundary to a concrete audio backend. Implementations
// own the backend context and any devices opened through them. An
// Engine is not safe for concurrent use; callers serialize access.
type Engine interface {
	// Name identifies the backend ("malgo", "portaudio").
	Name() string

	// BufferMillis reports how much audio the backend buffers between
	// the hardware and Read, in milliseconds. Callers size their
	// scratch space from it.
	BufferMillis() int

	// Devices enumerates the catalog for one kind. Devices that fail
	// to describe are skipped, so the result may be shorter than the
	// raw backend listing.
	Devices(kind DeviceKind) ([]Device, error)

	// OpenOutput selects and validates the output device at index,
	// to be driven at rate Hz.
	OpenOutput(index, rate int) error

	// OpenInput selects and validates the input device at index.
	OpenInput(index int) error

	// StartCapture begins recording from the opened input device at
	// rate Hz and returns a handle draining the backend buffer.
	StartCapture(rate int) (Capture, error)

	// NewPlayable allocates a playable clip of byteLen bytes of
	// 16-bit mono PCM to be rendered at rate Hz on the opened output
	// device.
	NewPlayable(byteLen, rate int) (Playable, error)

	// Close releases the backend context. Safe to call more than once.
	Close() error
}

// Capture is a live recording handle. Available and Read follow the
// backend buffer: Read never blocks and returns at most the bytes
// Available reported.
type Capture interface {
	Available() (int, error)
	Read(p []byte) (int, error)
	Stop() error
}

// Playable is a one-shot clip loaded into the backend for rendering.
type Playable interface {
	Write(pcm []byte) error
	Channel() (Channel, error)
}

// Channel is the rendering side of a Playable. Active reports false
// once the clip has drained and the backend has released the device.
type Channel interface {
	Play() error
	Active() (bool, error)
	Stop() error
}

// ErrNoBackend is returned by New when no backend was compiled in.
var ErrNoBackend = errors.New("no audio backend available")

var (
	backendsMu sync.Mutex
	backends   []registeredBackend
)

type registeredBackend struct {
	name string
	make func(log zerolog.Logger) (Engine, error)
}

func registerBackend(name string, f func(log zerolog.Logger) (Engine, error)) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends = append(backends, registeredBackend{name: name, make: f})
}

// Backends lists the compiled-in backend names, preferred first.
func Backends() []string {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.name)
	}
	return names
}

// New creates the named backend engine. An empty name or "auto"
// selects the first compiled-in backend.
func New(name string, log zerolog.Logger) (Engine, error) {
	backendsMu.Lock()
	regs := make([]registeredBackend, len(backends))
	copy(regs, backends)
	backendsMu.Unlock()

	if len(regs) == 0 {
		return nil, ErrNoBackend
	}
	if name == "" || name == "auto" {
		return regs[0].make(log)
	}
	for _, b := range regs {
		if b.name == name {
			return b.make(log)
		}
	}
	return nil, fmt.Errorf("unknown audio backend %q (have %v)", name, Backends())
}

// buildCatalog enumerates count raw backend devices of one kind and
// describes each through describe, skipping entries that fail. Indices
// are assigned after skipping so the catalog is always dense.
func buildCatalog(log zerolog.Logger, kind DeviceKind, count int, describe func(raw int) (Device, error)) []Device {
	out := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		d, err := describe(i)
		if err != nil {
			log.Warn().Err(err).Int("device", i).Stringer("kind", kind).
				Msg("skipping audio device")
			continue
		}
		d.Index = len(out)
		d.Kind = kind
		out = append(out, d)
	}
	return out
}
