// Package audio plays short feedback cues from WAV files.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/youpy/go-wav"
)

// DefaultDir is where cue files are looked up when no directory is configured.
const DefaultDir = "assets/sounds"

// ErrUnknownID is returned by Play for ids that were never registered.
var ErrUnknownID = errors.New("unknown audio element")

// Playback is one running sound.
type Playback interface {
	Stop() error
	Wait() error
}

// Launcher starts playback of a file.
type Launcher interface {
	Launch(path string) (Playback, error)
}

// Options configures a Player.
type Options struct {
	// Dir holds the cue files. Defaults to DefaultDir.
	Dir string
	// Command is the external player; the file path is appended as the last
	// argument. Defaults to the first of paplay, aplay, afplay found on PATH.
	Command []string
	// Launcher overrides Command, mainly for tests.
	Launcher Launcher
	Logger   logrus.FieldLogger
}

type element struct {
	source   string
	path     string
	checked  bool
	checkErr error
	playing  Playback
}

// Player maps element ids to cue files. The backend is resolved lazily on
// the first Play.
type Player struct {
	opts Options
	log  logrus.FieldLogger

	loadOnce sync.Once
	launcher Launcher
	loadErr  error

	mu       sync.Mutex
	elements map[string]*element
	closed   bool
}

func NewPlayer(opts Options) *Player {
	if opts.Dir == "" {
		opts.Dir = DefaultDir
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Player{
		opts:     opts,
		log:      opts.Logger,
		elements: make(map[string]*element),
	}
}

// Register declares a cue source (a file name relative to Dir, or an
// absolute path) and returns its element id.
func (p *Player) Register(source string) string {
	id := uuid.NewString()
	path := source
	if !filepath.IsAbs(path) {
		path = filepath.Join(p.opts.Dir, source)
	}
	p.mu.Lock()
	p.elements[id] = &element{source: source, path: path}
	p.mu.Unlock()
	return id
}

func (p *Player) load() error {
	p.loadOnce.Do(func() {
		if p.opts.Launcher != nil {
			p.launcher = p.opts.Launcher
			return
		}
		info, err := os.Stat(p.opts.Dir)
		if err != nil {
			p.loadErr = fmt.Errorf("audio directory: %w", err)
			return
		}
		if !info.IsDir() {
			p.loadErr = fmt.Errorf("audio directory %s is not a directory", p.opts.Dir)
			return
		}
		cmd := p.opts.Command
		if len(cmd) == 0 {
			for _, candidate := range []string{"paplay", "aplay", "afplay"} {
				if _, err := exec.LookPath(candidate); err == nil {
					cmd = []string{candidate}
					break
				}
			}
		}
		if len(cmd) == 0 {
			p.loadErr = errors.New("no audio player command found")
			return
		}
		if _, err := exec.LookPath(cmd[0]); err != nil {
			p.loadErr = fmt.Errorf("audio player: %w", err)
			return
		}
		p.launcher = commandLauncher(cmd)
		p.log.WithField("command", cmd[0]).Debug("audio backend loaded")
	})
	return p.loadErr
}

// Play restarts the element from the beginning.
func (p *Player) Play(_ context.Context, id string) error {
	if err := p.load(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	el, ok := p.elements[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	if !el.checked {
		el.checkErr = validate(el.path)
		el.checked = true
	}
	if el.checkErr != nil {
		p.mu.Unlock()
		return el.checkErr
	}
	prev := el.playing
	el.playing = nil
	p.mu.Unlock()

	if prev != nil {
		_ = prev.Stop()
	}

	pb, err := p.launcher.Launch(el.path)
	if err != nil {
		return fmt.Errorf("play %s: %w", el.source, err)
	}

	p.mu.Lock()
	el.playing = pb
	p.mu.Unlock()

	go func() {
		_ = pb.Wait()
		p.mu.Lock()
		if el.playing == pb {
			el.playing = nil
		}
		p.mu.Unlock()
	}()
	return nil
}

// Close stops everything that is playing.
func (p *Player) Close() error {
	p.mu.Lock()
	p.closed = true
	var running []Playback
	for _, el := range p.elements {
		if el.playing != nil {
			running = append(running, el.playing)
			el.playing = nil
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, pb := range running {
		if err := pb.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// validate checks that path is a readable WAV file.
func validate(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open cue: %w", err)
	}
	defer f.Close()

	format, err := wav.NewReader(f).Format()
	if err != nil {
		return fmt.Errorf("read cue %s: %w", filepath.Base(path), err)
	}
	if format.NumChannels == 0 || format.SampleRate == 0 {
		return fmt.Errorf("cue %s: empty format", filepath.Base(path))
	}
	return nil
}

type commandLauncher []string

func (c commandLauncher) Launch(path string) (Playback, error) {
	args := append(append([]string(nil), c[1:]...), path)
	cmd := exec.Command(c[0], args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &process{cmd: cmd, done: make(chan struct{})}, nil
}

type process struct {
	cmd  *exec.Cmd
	once sync.Once
	err  error
	done chan struct{}
}

func (p *process) Wait() error {
	p.once.Do(func() {
		p.err = p.cmd.Wait()
		close(p.done)
	})
	<-p.done
	return p.err
}

func (p *process) Stop() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
