package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/sirupsen/logrus"

	"github.com/mil-ad/inputscan/internal/action"
	"github.com/mil-ad/inputscan/internal/audio"
	"github.com/mil-ad/inputscan/internal/ble"
	"github.com/mil-ad/inputscan/internal/config"
	"github.com/mil-ad/inputscan/internal/scan"
)

// station wires the orchestrator to its inputs and outputs.
type station struct {
	log     logrus.FieldLogger
	orch    *scan.Orchestrator
	session *ble.Session // nil when Bluetooth is disabled or unavailable
}

func newLogger(level string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

// logFile opens the log destination used while the terminal UI owns stdout.
func logFile() (*os.File, error) {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".local", "state")
	}
	dir = filepath.Join(dir, "inputscan")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir log dir: %w", err)
	}
	return os.OpenFile(filepath.Join(dir, "inputscan.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

func newStation(cfg config.Config, log logrus.FieldLogger) (*station, error) {
	player := audio.NewPlayer(audio.Options{
		Dir:     cfg.Audio.Dir,
		Command: cfg.Audio.Command,
		Logger:  log.WithField("component", "audio"),
	})

	orch := scan.New(scan.Options{
		Title:          cfg.Title,
		MaxScanHistory: cfg.MaxScanHistory,
		Variant:        scan.Variant(strings.ToLower(cfg.Variant)),
		PinTop:         cfg.PinTop,
		KeypadEnabled:  cfg.Keypad.Enabled,
		KeypadVisible:  cfg.Keypad.Visible,
		CameraEnabled:  cfg.Camera.Enabled,
		CameraVisible:  cfg.Camera.Visible,
		UserKeyA:       cfg.Keypad.UserKeyA,
		UserKeyB:       cfg.Keypad.UserKeyB,
		Audio:          player,
		Sounds: map[scan.Cue]string{
			scan.CueSuccess:  cfg.Audio.Success,
			scan.CueAdd:      cfg.Audio.Add,
			scan.CueExcess:   cfg.Audio.Excess,
			scan.CueComplete: cfg.Audio.Complete,
			scan.CueFail:     cfg.Audio.Fail,
		},
		OnDeviceChanged: func(device string) {
			log.WithField("device", device).Info("bluetooth device changed")
		},
		Logger: log.WithField("component", "scan"),
	})

	client := &http.Client{Timeout: 10 * time.Second}
	for _, ic := range cfg.Instructions {
		inst, err := action.Build(ic, client)
		if err != nil {
			orch.Close()
			return nil, err
		}
		inst.Attach(orch)
	}

	st := &station{log: log, orch: orch}
	if cfg.Bluetooth.Enabled {
		nav, err := navigator(cfg.Bluetooth, log)
		if err != nil {
			log.WithError(err).Warn("bluetooth unavailable, continuing without scanner")
			return st, nil
		}
		if c, ok := nav.(io.Closer); ok {
			orch.Bind(c)
		}
		st.session = ble.NewSession(nav, ble.SessionOptions{
			Filter: ble.ScannerFilter,
			Logger: log.WithField("component", "bluetooth"),
			OnScan: orch.SetScanValue,
			OnDeviceChanged: func(d ble.Device) {
				if d == nil {
					orch.SetDevice("")
					return
				}
				orch.SetDevice(d.Name())
			},
			OnStateChanged: func(ble.State) { orch.Refresh() },
		})
		orch.Bind(st.session)
	}
	return st, nil
}

func navigator(cfg config.BluetoothConfig, log logrus.FieldLogger) (ble.Navigator, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "bluez":
		return ble.NewBluezNavigator(cfg.Adapter, log.WithField("component", "bluez"))
	case "tinygo":
		return ble.NewTinygoNavigator(log.WithField("component", "tinygo")), nil
	default:
		return nil, fmt.Errorf("unknown bluetooth backend %q", cfg.Backend)
	}
}

// start kicks off the silent reconnect to a paired scanner.
func (s *station) start() {
	if s.session != nil {
		go s.session.Start()
	}
}

func (s *station) close() {
	s.orch.Close()
}

// apply picks up the settings that can change while running.
func (s *station) apply(cfg config.Config) {
	s.orch.SetTitle(cfg.Title)
	s.orch.SetMaxScanHistory(cfg.MaxScanHistory)
}

func (s *station) bluetoothState() string {
	if s.session == nil {
		return "disabled"
	}
	return string(s.session.State())
}

// findInstruction looks an instruction up by title, case-insensitively. On a
// miss it returns the closest title as a suggestion.
func findInstruction(list []*scan.Instruction, title string) (*scan.Instruction, string) {
	want := strings.ToLower(strings.TrimSpace(title))
	best, bestDist := "", -1
	for _, inst := range list {
		have := strings.ToLower(inst.Title)
		if have == want {
			return inst, ""
		}
		d := levenshtein.ComputeDistance(want, have)
		if bestDist < 0 || d < bestDist {
			best, bestDist = inst.Title, d
		}
	}
	if bestDist >= 0 && bestDist <= len(want)/2+1 {
		return nil, best
	}
	return nil, ""
}
