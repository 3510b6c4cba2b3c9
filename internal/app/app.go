package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/petems/miccheck/internal/audio"
	"github.com/petems/miccheck/internal/config"
	"github.com/rs/zerolog"
)

// Catalog lists audio devices. Satisfied by audio.Engine.
type Catalog interface {
	Devices(kind audio.DeviceKind) ([]audio.Device, error)
}

// Session drives one record/playback lifecycle. Satisfied by
// *session.Session.
type Session interface {
	Initialize(outputIndex, rate int) error
	InitializeRecording(inputIndex int) error
	Capture(ctx context.Context, duration time.Duration) ([]int16, error)
	Playback(ctx context.Context, clip []int16) error
	Shutdown() error
}

type Config struct {
	Catalog Catalog
	Session Session
	Config  *config.Config
	Logger  zerolog.Logger
	In      io.Reader
	Out     io.Writer

	// Device overrides skip the interactive prompt when >= 0.
	// Callers without an override must pass -1.
	InputOverride  int
	OutputOverride int
}

type App struct {
	cat  Catalog
	sess Session
	cfg  *config.Config
	log  zerolog.Logger
	in   io.Reader
	out  io.Writer

	inOverride  int
	outOverride int

	lines chan string
}

var errQuit = errors.New("operator quit")

func New(cfg Config) *App {
	return &App{
		cat:         cfg.Catalog,
		sess:        cfg.Session,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		in:          cfg.In,
		out:         cfg.Out,
		inOverride:  cfg.InputOverride,
		outOverride: cfg.OutputOverride,
	}
}

// Run selects devices, initializes the session and loops record and
// playback cycles until the operator quits or the context is
// canceled. Both count as a normal exit; everything else is fatal.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if err := a.sess.Shutdown(); err != nil {
			a.log.Warn().Err(err).Msg("session shutdown")
		}
	}()

	a.lines = make(chan string)
	go a.readLines(ctx)

	fmt.Fprintln(a.out, "miccheck: record a clip from a microphone and play it back")

	outIdx, err := a.chooseDevice(ctx, audio.Output, a.outOverride, a.cfg.Audio.OutputDevice)
	if isQuit(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.sess.Initialize(outIdx, a.cfg.SampleRate); err != nil {
		return err
	}

	inIdx, err := a.chooseDevice(ctx, audio.Input, a.inOverride, a.cfg.Audio.InputDevice)
	if isQuit(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := a.sess.InitializeRecording(inIdx); err != nil {
		return err
	}

	a.rememberDevices(inIdx, outIdx)

	return a.cycleLoop(ctx)
}

func (a *App) cycleLoop(ctx context.Context) error {
	for {
		fmt.Fprintf(a.out, "\nPress Enter to record a %v clip, q to quit: ", a.cfg.ClipDuration())
		line, err := a.readLine(ctx)
		if isQuit(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if strings.EqualFold(strings.TrimSpace(line), "q") {
			return nil
		}

		fmt.Fprintln(a.out, "Recording...")
		clip, err := a.sess.Capture(ctx, a.cfg.ClipDuration())
		if isQuit(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}

		level, clipped := audio.Level(clip)
		a.log.Info().
			Int("samples", len(clip)).
			Dur("duration", a.cfg.ClipDuration()).
			Int("level", level).
			Bool("clipping", clipped).
			Msg("clip captured")
		note := ""
		if clipped {
			note = ", clipping!"
		}
		fmt.Fprintf(a.out, "Captured %d samples, level %d/100%s\n", len(clip), level, note)

		fmt.Fprintln(a.out, "Playing back...")
		if err := a.sess.Playback(ctx, clip); err != nil {
			if isQuit(err) {
				return nil
			}
			return fmt.Errorf("playback failed: %w", err)
		}
	}
}

// chooseDevice resolves one device index: an override wins, otherwise
// the operator picks from the printed catalog, with the remembered
// index as the Enter default.
func (a *App) chooseDevice(ctx context.Context, kind audio.DeviceKind, override, remembered int) (int, error) {
	devs, err := a.cat.Devices(kind)
	if err != nil {
		return 0, fmt.Errorf("listing %s devices: %w", kind, err)
	}
	if len(devs) == 0 {
		return 0, fmt.Errorf("no %s devices found", kind)
	}
	if override >= 0 {
		if override >= len(devs) {
			return 0, fmt.Errorf("%s device %d out of range (%d devices)", kind, override, len(devs))
		}
		a.log.Info().Stringer("kind", kind).Str("device", devs[override].Name).Msg("device preselected")
		return override, nil
	}

	printCatalog(a.out, kind, devs)

	def := -1
	if remembered >= 0 && remembered < len(devs) {
		def = remembered
	}
	for {
		if def >= 0 {
			fmt.Fprintf(a.out, "Select %s device [%d]: ", kind, def)
		} else {
			fmt.Fprintf(a.out, "Select %s device: ", kind)
		}
		line, err := a.readLine(ctx)
		if err != nil {
			return 0, err
		}
		line = strings.TrimSpace(line)
		if strings.EqualFold(line, "q") {
			return 0, errQuit
		}
		if line == "" {
			if def >= 0 {
				return def, nil
			}
			continue
		}
		idx, err := strconv.Atoi(line)
		if err != nil || idx < 0 || idx >= len(devs) {
			fmt.Fprintf(a.out, "Enter a number between 0 and %d.\n", len(devs)-1)
			continue
		}
		return idx, nil
	}
}

func (a *App) rememberDevices(inIdx, outIdx int) {
	if !a.cfg.RememberDevices {
		return
	}
	if a.cfg.Audio.InputDevice == inIdx && a.cfg.Audio.OutputDevice == outIdx {
		return
	}
	a.cfg.Audio.InputDevice = inIdx
	a.cfg.Audio.OutputDevice = outIdx
	if err := a.cfg.Save(); err != nil {
		a.log.Warn().Err(err).Msg("saving device selection")
	}
}

// readLines pumps operator input into a channel so prompts can also
// react to context cancellation.
func (a *App) readLines(ctx context.Context) {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		select {
		case a.lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	close(a.lines)
}

func (a *App) readLine(ctx context.Context) (string, error) {
	select {
	case line, ok := <-a.lines:
		if !ok {
			return "", errQuit
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func isQuit(err error) bool {
	return errors.Is(err, errQuit) || errors.Is(err, context.Canceled)
}

func printCatalog(w io.Writer, kind audio.DeviceKind, devs []audio.Device) {
	fmt.Fprintf(w, "\nAvailable %s devices:\n", kind)
	for _, d := range devs {
		fmt.Fprintf(w, "  %s\n", d)
	}
}

// PrintDevices dumps the full catalog, as used by -lsdev.
func PrintDevices(w io.Writer, cat Catalog) error {
	for _, kind := range []audio.DeviceKind{audio.Input, audio.Output} {
		devs, err := cat.Devices(kind)
		if err != nil {
			return fmt.Errorf("listing %s devices: %w", kind, err)
		}
		printCatalog(w, kind, devs)
		if len(devs) == 0 {
			fmt.Fprintln(w, "  (none)")
		}
	}
	return nil
}
