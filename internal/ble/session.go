package ble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the connection state of a scanner session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// DefaultRetryDelay is the wait before re-attempting a failed connection.
const DefaultRetryDelay = 15 * time.Second

// DefaultLookupTimeout bounds the silent search for a paired scanner.
const DefaultLookupTimeout = 10 * time.Second

// Terminator ends every line the scanner sends.
const Terminator = "\r"

// Timer is the subset of *time.Timer the session needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// AfterFunc schedules f after d. It matches time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SessionOptions configures a Session.
type SessionOptions struct {
	Filter     Filter
	RetryDelay time.Duration
	// LookupTimeout bounds Devices on the silent path. Navigators that
	// discover by scanning only return when their context ends.
	LookupTimeout time.Duration
	Logger        logrus.FieldLogger

	// OnScan receives each complete line, terminator included.
	OnScan func(code string)
	// OnDeviceChanged is called with the new device, or nil when the device
	// is lost.
	OnDeviceChanged func(Device)
	// OnStateChanged is called after every state transition.
	OnStateChanged func(State)

	AfterFunc AfterFunc
}

// Session keeps one scanner connected, reconnecting when it drops.
type Session struct {
	nav  Navigator
	opts SessionOptions
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  State
	device Device
	timer  Timer
	buf    string
	unsubs []func()
	closed bool
	// attaching is set while an attach is in flight; a concurrent one is
	// dropped so notification handlers are registered once.
	attaching bool
}

// NewSession creates a disconnected session.
func NewSession(nav Navigator, opts SessionOptions) *Session {
	if opts.Filter.NamePrefix == "" && len(opts.Filter.Services) == 0 {
		opts.Filter = ScannerFilter
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.LookupTimeout == 0 {
		opts.LookupTimeout = DefaultLookupTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		nav:    nav,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the connected device, or nil.
func (s *Session) Device() Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Start silently reconnects to a previously paired scanner.
func (s *Session) Start() {
	s.Connect(s.ctx, false)
}

// Connect finds a scanner and attaches to it. With prompt set the navigator
// is asked for a new device; otherwise the first paired match is used.
// Failures are logged, never returned.
func (s *Session) Connect(ctx context.Context, prompt bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.mu.Unlock()

	s.setState(StateConnecting)

	dev, err := s.find(ctx, prompt)
	switch {
	case errors.Is(err, ErrRequestCancelled):
		s.log.WithError(err).Info("user cancelled Bluetooth pairing")
	case err != nil:
		s.log.WithError(err).Error("unable to connect to Bluetooth device")
	}
	if dev == nil {
		s.settle()
		return
	}
	s.attach(ctx, dev)
}

func (s *Session) find(ctx context.Context, prompt bool) (Device, error) {
	if prompt {
		return s.nav.RequestDevice(ctx, s.opts.Filter)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, s.opts.LookupTimeout)
	defer cancel()
	devices, err := s.nav.Devices(lookupCtx, s.opts.Filter)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = nil
	}
	if err != nil || len(devices) == 0 {
		return nil, err
	}
	return devices[0], nil
}

// attach opens the GATT path to the scan characteristic. Anything short of
// a connected device schedules a retry against the same device. An attach
// that starts while another is in flight does nothing; the running one
// settles the state.
func (s *Session) attach(ctx context.Context, dev Device) {
	s.mu.Lock()
	if s.attaching || s.closed {
		s.mu.Unlock()
		return
	}
	s.attaching = true
	s.mu.Unlock()

	log := s.log.WithField("device", dev.Name())

	err := s.open(ctx, dev)
	if err != nil {
		log.WithError(err).Warn("attempt to connect to bluetooth scanner failed")
	}

	s.mu.Lock()
	s.attaching = false
	if s.closed {
		s.mu.Unlock()
		s.release(dev)
		return
	}
	connected := err == nil && dev.Connected()
	var stale []func()
	if connected {
		s.stopTimerLocked()
		s.device = dev
		s.state = StateConnected
	} else {
		stale = s.takeHandlersLocked()
		s.scheduleLocked(dev)
		s.state = StateDisconnected
	}
	state := s.state
	s.mu.Unlock()
	runAll(stale)

	if connected {
		log.Info("bluetooth scanner connected")
		if s.opts.OnDeviceChanged != nil {
			s.opts.OnDeviceChanged(dev)
		}
	}
	s.notifyState(state)
}

func (s *Session) open(ctx context.Context, dev Device) error {
	if err := dev.Connect(ctx); err != nil {
		return err
	}
	svc, err := dev.PrimaryService(ctx, ScannerServiceUUID)
	if err != nil {
		return err
	}
	char, err := svc.Characteristic(ctx, ScannerCharacteristicUUID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	stale := s.takeHandlersLocked()
	s.buf = ""
	s.mu.Unlock()
	runAll(stale)

	stop, err := char.StartNotifications(ctx, s.receive)
	if err != nil {
		return err
	}
	offDisconnect := dev.OnDisconnect(func() { s.handleDisconnect(dev) })

	s.mu.Lock()
	s.unsubs = append(s.unsubs, stop, offDisconnect)
	s.mu.Unlock()
	return nil
}

// receive buffers notification payloads until the terminator arrives, then
// forwards the whole line, terminator included.
func (s *Session) receive(payload []byte) {
	s.mu.Lock()
	s.buf += strings.ToValidUTF8(string(payload), "\uFFFD")
	var line string
	if strings.HasSuffix(s.buf, Terminator) {
		line = s.buf
		s.buf = ""
	}
	s.mu.Unlock()

	if line != "" && s.opts.OnScan != nil {
		s.opts.OnScan(line)
	}
}

func (s *Session) handleDisconnect(dev Device) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.device = nil
	stale := s.takeHandlersLocked()
	s.mu.Unlock()
	runAll(stale)

	s.log.WithField("device", dev.Name()).Info("bluetooth scanner disconnected, reconnecting")
	if s.opts.OnDeviceChanged != nil {
		s.opts.OnDeviceChanged(nil)
	}
	s.notifyState(StateDisconnected)
	s.attach(s.ctx, dev)
}

// scheduleLocked arms the single retry timer, reusing it when it exists.
func (s *Session) scheduleLocked(dev Device) {
	if s.timer != nil {
		s.timer.Reset(s.opts.RetryDelay)
		return
	}
	s.timer = s.opts.AfterFunc(s.opts.RetryDelay, func() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			s.attach(s.ctx, dev)
		}
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// takeHandlersLocked detaches the registered unsubscribe funcs so they can
// run without holding the lock.
func (s *Session) takeHandlersLocked() []func() {
	fns := s.unsubs
	s.unsubs = nil
	return fns
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// settle leaves the connecting state once a search produced nothing.
func (s *Session) settle() {
	s.mu.Lock()
	if s.state == StateConnecting {
		s.state = StateDisconnected
		if s.device != nil {
			s.state = StateConnected
		}
	}
	state := s.state
	s.mu.Unlock()
	s.notifyState(state)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *Session) notifyState(st State) {
	if s.opts.OnStateChanged != nil {
		s.opts.OnStateChanged(st)
	}
}

func (s *Session) release(dev Device) {
	if err := dev.Disconnect(); err != nil {
		s.log.WithError(err).Debug("disconnect")
	}
}

// Close cancels any pending retry and disconnects the device. Errors are
// logged and swallowed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	stale := s.takeHandlersLocked()
	dev := s.device
	s.device = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	s.cancel()
	runAll(stale)
	if dev != nil {
		s.release(dev)
	}
	return nil
}
