package scan

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// KeyEnter is the keypad key that commits the pending buffer, the same way
// a hardware scanner's terminator does.
const KeyEnter = "\n"

// ErrNoInstruction is reported (as an ERROR: result) when a code arrives
// before any instruction has been registered.
var ErrNoInstruction = errors.New("no scan instruction selected")

// Variant selects how the instruction picker is rendered.
type Variant string

const (
	VariantDropdown Variant = "dropdown"
	VariantRadio    Variant = "radio"
)

// EventKind tells subscribers what changed.
type EventKind int

const (
	// EventRefresh means presentation state changed and the view should redraw.
	EventRefresh EventKind = iota
	// EventFocus asks the host to move input focus to the scan field.
	EventFocus
	// EventDeviceChanged reports a new (or cleared) Bluetooth device.
	EventDeviceChanged
	// EventCue reports the cue that was played for a result.
	EventCue
)

// Event is delivered to subscribers.
type Event struct {
	Kind   EventKind
	Device string
	Cue    Cue
}

// AudioPlayer plays registered sound sources by element id.
type AudioPlayer interface {
	Register(source string) string
	Play(ctx context.Context, id string) error
	Close() error
}

// Options configures an Orchestrator. Zero values get the defaults noted.
type Options struct {
	Title string
	// MaxScanHistory caps the scan log. Defaults to 5.
	MaxScanHistory int
	Variant        Variant
	PinTop         bool

	KeypadEnabled bool
	KeypadVisible bool
	CameraEnabled bool
	CameraVisible bool
	// UserKeyA and UserKeyB label the two programmable keypad keys.
	// Default "A" and "B".
	UserKeyA string
	UserKeyB string

	// Audio plays cues; nil disables audio feedback.
	Audio AudioPlayer
	// Sounds maps each cue to the source registered with Audio.
	Sounds map[Cue]string

	// OnDeviceChanged is invoked whenever the connected Bluetooth device changes.
	OnDeviceChanged func(device string)

	Logger logrus.FieldLogger
}

// Orchestrator routes scan values from every input source to the selected
// instruction, records results and plays feedback.
type Orchestrator struct {
	ctx context.Context
	log logrus.FieldLogger

	audio    AudioPlayer
	cueIDs   map[Cue]string
	onDevice func(string)

	mu            sync.Mutex
	opts          Options
	instructions  []*Instruction
	selected      *Instruction
	def           *Instruction
	scanValue     string
	history       *History
	device        string
	subscribers   map[int]func(Event)
	nextSub       int
	closers       []io.Closer
	keypadVisible bool
	cameraVisible bool

	tasks sync.WaitGroup
}

// DefaultMaxScanHistory is used when no positive history size is configured.
const DefaultMaxScanHistory = 5

func historySize(n int) int {
	if n <= 0 {
		return DefaultMaxScanHistory
	}
	return n
}

// New creates an orchestrator. Cue sources in opts.Sounds are registered
// with opts.Audio up front.
func New(opts Options) *Orchestrator {
	opts.MaxScanHistory = historySize(opts.MaxScanHistory)
	if opts.UserKeyA == "" {
		opts.UserKeyA = "A"
	}
	if opts.UserKeyB == "" {
		opts.UserKeyB = "B"
	}
	if opts.Variant == "" {
		opts.Variant = VariantDropdown
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	o := &Orchestrator{
		ctx:           context.Background(),
		log:           opts.Logger,
		audio:         opts.Audio,
		cueIDs:        make(map[Cue]string),
		onDevice:      opts.OnDeviceChanged,
		opts:          opts,
		history:       NewHistory(opts.MaxScanHistory),
		subscribers:   make(map[int]func(Event)),
		keypadVisible: opts.KeypadEnabled && opts.KeypadVisible,
		cameraVisible: opts.CameraEnabled && opts.CameraVisible,
	}
	if o.audio != nil {
		for cue, src := range opts.Sounds {
			o.cueIDs[cue] = o.audio.Register(src)
		}
	}
	return o
}

// Subscribe registers fn for view events. The returned func unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Event)) (cancel func()) {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subscribers, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	subs := make([]func(Event), 0, len(o.subscribers))
	for _, fn := range o.subscribers {
		subs = append(subs, fn)
	}
	o.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Refresh signals subscribers that the view needs redrawing.
func (o *Orchestrator) Refresh() { o.emit(Event{Kind: EventRefresh}) }

// AddInstruction registers i. The first instruction, or one marked Default,
// becomes the default and is selected.
func (o *Orchestrator) AddInstruction(i *Instruction) {
	o.mu.Lock()
	for _, existing := range o.instructions {
		if existing == i {
			o.mu.Unlock()
			return
		}
	}
	o.instructions = append(o.instructions, i)
	if i.Default || o.def == nil {
		o.def = i
	}
	selectIt := i.Default || o.selected == nil
	o.mu.Unlock()

	if selectIt {
		o.SelectInstruction(i)
	}
}

// SelectInstruction makes i the active instruction, clearing the log when
// i asks for it, and moves focus back to the scan field.
func (o *Orchestrator) SelectInstruction(i *Instruction) {
	o.mu.Lock()
	o.selected = i
	if i != nil && i.ClearLog {
		o.history.Clear()
	}
	o.mu.Unlock()

	o.log.WithField("instruction", i.String()).Debug("instruction selected")
	o.emit(Event{Kind: EventFocus})
	o.Refresh()
}

// SetScanValue is the single entry point for keyboard, keypad, camera and
// Bluetooth input. A non-empty value that differs from the buffered one is
// handed to the selected instruction in its own goroutine.
func (o *Orchestrator) SetScanValue(code string) {
	o.Submit(code)
}

// Submit is SetScanValue for callers that want the outcome of their own
// scan. The channel yields the result (nil when the instruction logged
// nothing) and is then closed. ok is false when the value was not
// processed: it was empty or equal to the buffered one.
func (o *Orchestrator) Submit(code string) (result <-chan Result, ok bool) {
	o.mu.Lock()
	if o.scanValue == code {
		o.mu.Unlock()
		return nil, false
	}
	o.scanValue = code
	inst := o.selected
	if code != "" {
		o.tasks.Add(1)
	}
	o.mu.Unlock()

	if code == "" {
		return nil, false
	}

	done := make(chan Result, 1)
	go func() {
		defer o.tasks.Done()
		defer close(done)
		done <- o.process(inst, code)
	}()
	return done, true
}

func (o *Orchestrator) process(inst *Instruction, code string) Result {
	var (
		result Result
		err    error
	)
	switch {
	case inst == nil || inst.OnScan == nil:
		err = ErrNoInstruction
	default:
		result, err = o.invoke(inst, code)
	}
	if err != nil {
		result = errorResult(err)
	}

	o.mu.Lock()
	revert := o.selected != nil && o.selected.SingleScan
	if revert {
		o.selected = o.def
	}
	o.scanValue = ""
	if result != nil {
		o.history.Append(result)
	}
	o.mu.Unlock()

	if result == nil {
		if revert {
			o.Refresh()
		}
		return nil
	}

	o.Refresh()
	cue := Classify(result)
	o.log.WithFields(logrus.Fields{
		"instruction": inst.String(),
		"cue":         cue,
	}).Debug("scan processed")
	o.play(cue)
	o.emit(Event{Kind: EventCue, Cue: cue})
	return result
}

// invoke runs OnScan and reports a panic as an error.
func (o *Orchestrator) invoke(inst *Instruction, code string) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{r}
		}
	}()
	return inst.OnScan(o.ctx, code)
}

type panicError struct{ v any }

func (p panicError) Error() string { return ResultString(p.v) }

func (o *Orchestrator) play(cue Cue) {
	if o.audio == nil {
		return
	}
	id, ok := o.cueIDs[cue]
	if !ok {
		return
	}
	if err := o.audio.Play(o.ctx, id); err != nil {
		o.log.WithError(err).WithField("cue", cue).Warn("unable to play cue")
	}
}

// HandleKey intercepts Enter so that it re-focuses the scan field instead of
// submitting anything enclosing it. It reports whether the key was consumed.
func (o *Orchestrator) HandleKey(key string) bool {
	if key != "Enter" && key != "enter" {
		return false
	}
	o.emit(Event{Kind: EventFocus})
	return true
}

// KeyPress handles a keypad key. KeyEnter commits the buffer as a scan
// value; any other key is appended.
func (o *Orchestrator) KeyPress(key string) {
	if key == KeyEnter {
		o.mu.Lock()
		value := o.scanValue + key
		o.mu.Unlock()
		o.SetScanValue(value)
		return
	}
	o.mu.Lock()
	o.scanValue += key
	o.mu.Unlock()
	o.Refresh()
}

// Backspace removes the last character of the keypad buffer.
func (o *Orchestrator) Backspace() {
	o.mu.Lock()
	if n := len(o.scanValue); n > 0 {
		_, size := utf8.DecodeLastRuneInString(o.scanValue)
		o.scanValue = o.scanValue[:n-size]
	}
	o.mu.Unlock()
	o.Refresh()
}

// KeyAt returns the label for a keypad position. Positions 10 and 12 are
// the user keys.
func (o *Orchestrator) KeyAt(index int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch index {
	case 10:
		return o.opts.UserKeyA
	case 11:
		return "0"
	case 12:
		return o.opts.UserKeyB
	}
	return strconv.Itoa(index)
}

func (o *Orchestrator) ToggleKeypad() {
	o.mu.Lock()
	if o.opts.KeypadEnabled {
		o.keypadVisible = !o.keypadVisible
	}
	o.mu.Unlock()
	o.Refresh()
}

func (o *Orchestrator) ToggleCamera() {
	o.mu.Lock()
	if o.opts.CameraEnabled {
		o.cameraVisible = !o.cameraVisible
	}
	o.mu.Unlock()
	o.Refresh()
}

// CameraScan submits a code decoded by the camera.
func (o *Orchestrator) CameraScan(code string) { o.SetScanValue(code) }

// CameraError records a camera failure in the scan log.
func (o *Orchestrator) CameraError(msg string) {
	o.mu.Lock()
	o.history.Append(msg)
	o.mu.Unlock()
	o.Refresh()
}

// SetDevice records the connected Bluetooth device ("" when none) and
// notifies the device-changed callback.
func (o *Orchestrator) SetDevice(device string) {
	o.mu.Lock()
	o.device = device
	cb := o.onDevice
	o.mu.Unlock()

	if cb != nil {
		cb(device)
	}
	o.emit(Event{Kind: EventDeviceChanged, Device: device})
	o.Refresh()
}

// SetTitle and SetMaxScanHistory support live configuration reloads.
func (o *Orchestrator) SetTitle(title string) {
	o.mu.Lock()
	o.opts.Title = title
	o.mu.Unlock()
	o.Refresh()
}

func (o *Orchestrator) SetMaxScanHistory(n int) {
	n = historySize(n)
	o.mu.Lock()
	o.opts.MaxScanHistory = n
	o.history.SetMax(n)
	o.mu.Unlock()
	o.Refresh()
}

// Bind ties c to the orchestrator's lifetime. Close releases bound
// resources in reverse order.
func (o *Orchestrator) Bind(c io.Closer) {
	o.mu.Lock()
	o.closers = append(o.closers, c)
	o.mu.Unlock()
}

// Close disposes bound resources and the audio player. In-flight scans are
// left to finish on their own.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	closers := o.closers
	o.closers = nil
	o.mu.Unlock()

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			o.log.WithError(err).Debug("close")
		}
	}
	if o.audio != nil {
		if err := o.audio.Close(); err != nil {
			o.log.WithError(err).Debug("close audio")
		}
	}
	return nil
}

// Wait blocks until every submitted scan has been processed.
func (o *Orchestrator) Wait() { o.tasks.Wait() }

// Snapshot is a consistent copy of the presentation state.
type Snapshot struct {
	Title          string
	Variant        Variant
	PinTop         bool
	ScanValue      string
	Instructions   []*Instruction
	Selected       *Instruction
	Default        *Instruction
	Log            []Result
	MaxScanHistory int
	Device         string
	KeypadEnabled  bool
	KeypadVisible  bool
	CameraEnabled  bool
	CameraVisible  bool
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Snapshot{
		Title:          o.opts.Title,
		Variant:        o.opts.Variant,
		PinTop:         o.opts.PinTop,
		ScanValue:      o.scanValue,
		Instructions:   append([]*Instruction(nil), o.instructions...),
		Selected:       o.selected,
		Default:        o.def,
		Log:            o.history.Entries(),
		MaxScanHistory: o.history.Max(),
		Device:         o.device,
		KeypadEnabled:  o.opts.KeypadEnabled,
		KeypadVisible:  o.keypadVisible,
		CameraEnabled:  o.opts.CameraEnabled,
		CameraVisible:  o.cameraVisible,
	}
}

func (o *Orchestrator) Log() []Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.Entries()
}

func (o *Orchestrator) Selected() *Instruction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selected
}

func (o *Orchestrator) Default() *Instruction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.def
}

func (o *Orchestrator) Instructions() []*Instruction {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Instruction(nil), o.instructions...)
}

func (o *Orchestrator) ScanValue() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.scanValue
}
