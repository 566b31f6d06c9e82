package abr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/metrics"
)

var (
	// ErrManifestLoad means the master manifest could not be fetched
	ErrManifestLoad = errors.New("manifest load failed")
	// ErrManifestParse means the master manifest was fetched but is not a usable playlist
	ErrManifestParse = errors.New("manifest parse failed")
	// ErrSegmentLoad means a segment kept failing after every retry
	ErrSegmentLoad = errors.New("segment load failed")
	// ErrOverrideUnsupported is returned for quality overrides under native playback
	ErrOverrideUnsupported = errors.New("quality override not supported by native playback")
	ErrInvalidLevel        = errors.New("invalid level")
	ErrNotLoaded           = errors.New("manifest not loaded")
	ErrSessionClosed       = errors.New("playback session closed")
)

// State is the playback controller state
type State string

const (
	StateLoading State = "loading"
	StateAuto    State = "auto"
	StateManual  State = "manual"
	StateEnded   State = "ended"
	StateErrored State = "errored"
)

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateEnded || s == StateErrored
}

// Switch reasons
const (
	ReasonInitial = "initial"
	ReasonUp      = "bandwidth_up"
	ReasonDown    = "bandwidth_down"
	ReasonManual  = "manual"
	ReasonAuto    = "auto"
	ReasonNative  = "native"
)

// AutoName selects automatic quality in SelectName
const AutoName = "auto"

// Level is one playable rendition advertised by the master manifest
type Level struct {
	Index     int
	Name      string
	Bandwidth int64
	Width     int
	Height    int
	URI       string
}

func (l Level) String() string {
	if l.Name != "" {
		return l.Name
	}
	return fmt.Sprintf("level%d", l.Index)
}

// SwitchEvent describes a change of the active level
type SwitchEvent struct {
	From     *Level
	To       Level
	Reason   string
	Estimate float64
	At       time.Time
}

// NativeSelector picks a level when the platform plays HLS itself
type NativeSelector func(levels []Level) int

// Options configures a Controller
type Options struct {
	DefaultEstimate   float64
	BandwidthFactor   float64 // applied when staying or switching down
	BandwidthUpFactor float64 // applied when switching up
	FastHalfLife      time.Duration
	SlowHalfLife      time.Duration

	Native         bool
	NativeSelector NativeSelector

	OnSwitch func(SwitchEvent)
	Logger   *logging.Logger
}

// DefaultOptions returns the tuning used when nothing is configured
func DefaultOptions() Options {
	return Options{
		DefaultEstimate:   500000,
		BandwidthFactor:   0.95,
		BandwidthUpFactor: 0.7,
		FastHalfLife:      3 * time.Second,
		SlowHalfLife:      9 * time.Second,
	}
}

func (o *Options) withDefaults() {
	d := DefaultOptions()
	if o.DefaultEstimate <= 0 {
		o.DefaultEstimate = d.DefaultEstimate
	}
	if o.BandwidthFactor <= 0 {
		o.BandwidthFactor = d.BandwidthFactor
	}
	if o.BandwidthUpFactor <= 0 {
		o.BandwidthUpFactor = d.BandwidthUpFactor
	}
	if o.FastHalfLife <= 0 {
		o.FastHalfLife = d.FastHalfLife
	}
	if o.SlowHalfLife <= 0 {
		o.SlowHalfLife = d.SlowHalfLife
	}
	if o.NativeSelector == nil {
		o.NativeSelector = FirstLevel
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
}

// FirstLevel is the default native selector: the manifest's first variant
func FirstLevel(levels []Level) int {
	return 0
}

// Controller decides which rendition to play. Every transition happens
// under a single mutex, so callbacks from loaders and the UI can race freely.
type Controller struct {
	mu sync.Mutex

	opts      Options
	estimator *Estimator

	state   State
	levels  []Level
	byRate  []int // level indices, highest bandwidth first
	current int
	err     error
}

// NewController creates a controller in the loading state
func NewController(opts Options) *Controller {
	opts.withDefaults()
	return &Controller{
		opts:      opts,
		estimator: NewEstimator(opts.FastHalfLife, opts.SlowHalfLife, opts.DefaultEstimate),
		state:     StateLoading,
		current:   -1,
	}
}

// ManifestLoaded installs the advertised levels and picks the starting one
func (c *Controller) ManifestLoaded(levels []Level) (Level, error) {
	c.mu.Lock()

	if c.state != StateLoading {
		c.mu.Unlock()
		return Level{}, fmt.Errorf("manifest loaded in state %s", c.state)
	}
	if len(levels) == 0 {
		c.failLocked(fmt.Errorf("%w: no variants", ErrManifestParse))
		err := c.err
		c.mu.Unlock()
		return Level{}, err
	}

	c.levels = make([]Level, len(levels))
	for i, l := range levels {
		l.Index = i
		c.levels[i] = l
	}
	c.byRate = make([]int, len(c.levels))
	for i := range c.byRate {
		c.byRate[i] = i
	}
	sort.SliceStable(c.byRate, func(a, b int) bool {
		return c.levels[c.byRate[a]].Bandwidth > c.levels[c.byRate[b]].Bandwidth
	})

	c.state = StateAuto

	var next int
	reason := ReasonInitial
	if c.opts.Native {
		next = c.opts.NativeSelector(c.levels)
		if next < 0 || next >= len(c.levels) {
			next = 0
		}
		reason = ReasonNative
	} else {
		next = c.chooseLocked()
	}

	ev := c.switchLocked(next, reason)
	level := c.levels[c.current]
	c.mu.Unlock()

	c.emit(ev)
	return level, nil
}

// ManifestFailed records a terminal manifest failure
func (c *Controller) ManifestFailed(err error) {
	c.Fail(err)
}

// SegmentLoaded feeds one download measurement and, in auto mode, may move
// to another level. The returned level applies to the next segment.
func (c *Controller) SegmentLoaded(bytes int64, elapsed time.Duration) (Level, bool) {
	c.mu.Lock()

	c.estimator.Sample(bytes, elapsed)
	if c.current < 0 {
		c.mu.Unlock()
		return Level{}, false
	}
	if c.state != StateAuto || c.opts.Native {
		level := c.levels[c.current]
		c.mu.Unlock()
		return level, false
	}

	prev := c.current
	next := c.chooseLocked()
	var ev *SwitchEvent
	if next != prev {
		reason := ReasonDown
		if c.levels[next].Bandwidth > c.levels[prev].Bandwidth {
			reason = ReasonUp
		}
		ev = c.switchLocked(next, reason)
	}
	level := c.levels[c.current]
	c.mu.Unlock()

	c.emit(ev)
	return level, ev != nil
}

// SelectLevel pins playback to level i
func (c *Controller) SelectLevel(i int) error {
	c.mu.Lock()

	if err := c.overridableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if i < 0 || i >= len(c.levels) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrInvalidLevel, i)
	}

	c.state = StateManual
	var ev *SwitchEvent
	if i != c.current {
		ev = c.switchLocked(i, ReasonManual)
	}
	c.mu.Unlock()

	c.emit(ev)
	return nil
}

// SelectName pins playback to the level with the given name, or returns
// to automatic selection for "auto"
func (c *Controller) SelectName(name string) error {
	if c.opts.Native {
		return ErrOverrideUnsupported
	}

	name = strings.TrimSpace(name)
	if strings.EqualFold(name, AutoName) {
		return c.SelectAuto()
	}

	c.mu.Lock()
	idx := -1
	for i, l := range c.levels {
		if strings.EqualFold(l.Name, name) {
			idx = i
			break
		}
	}
	c.mu.Unlock()

	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidLevel, name)
	}
	return c.SelectLevel(idx)
}

// SelectAuto lifts a manual pin and re-evaluates immediately
func (c *Controller) SelectAuto() error {
	c.mu.Lock()

	if err := c.overridableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}

	c.state = StateAuto
	var ev *SwitchEvent
	if next := c.chooseLocked(); next != c.current {
		ev = c.switchLocked(next, ReasonAuto)
	}
	c.mu.Unlock()

	c.emit(ev)
	return nil
}

// End marks playback as finished
func (c *Controller) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Terminal() {
		c.state = StateEnded
	}
}

// Fail moves the controller to the errored state
func (c *Controller) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failLocked(err)
}

func (c *Controller) failLocked(err error) {
	if c.state.Terminal() {
		return
	}
	c.state = StateErrored
	c.err = err
	c.opts.Logger.WarnWithErr("Playback failed", err)
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that put the controller in the errored state
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// CurrentLevel returns the active level; ok is false before the manifest loads
func (c *Controller) CurrentLevel() (Level, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current < 0 {
		return Level{}, false
	}
	return c.levels[c.current], true
}

// Levels returns a copy of the advertised levels
func (c *Controller) Levels() []Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Level, len(c.levels))
	copy(out, c.levels)
	return out
}

// Estimate returns the current bandwidth estimate in bits/s
func (c *Controller) Estimate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimator.Estimate()
}

// AutoEnabled reports whether bandwidth drives level selection
func (c *Controller) AutoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateAuto && !c.opts.Native
}

// Native reports whether the platform owns level selection
func (c *Controller) Native() bool {
	return c.opts.Native
}

func (c *Controller) overridableLocked() error {
	if c.opts.Native {
		return ErrOverrideUnsupported
	}
	if c.state.Terminal() {
		return ErrSessionClosed
	}
	if c.state == StateLoading {
		return ErrNotLoaded
	}
	return nil
}

// chooseLocked returns the highest level the estimate can sustain. Moving
// up must clear the stricter factor so small fluctuations do not oscillate.
func (c *Controller) chooseLocked() int {
	estimate := c.estimator.Estimate()

	var currentRate int64 = -1
	if c.current >= 0 {
		currentRate = c.levels[c.current].Bandwidth
	}

	for _, idx := range c.byRate {
		l := c.levels[idx]
		factor := c.opts.BandwidthFactor
		if currentRate >= 0 && l.Bandwidth > currentRate {
			factor = c.opts.BandwidthUpFactor
		}
		if float64(l.Bandwidth) <= estimate*factor {
			return idx
		}
	}
	return c.byRate[len(c.byRate)-1]
}

func (c *Controller) switchLocked(next int, reason string) *SwitchEvent {
	ev := &SwitchEvent{
		To:       c.levels[next],
		Reason:   reason,
		Estimate: c.estimator.Estimate(),
		At:       time.Now(),
	}
	if c.current >= 0 {
		from := c.levels[c.current]
		ev.From = &from
	}
	c.current = next
	return ev
}

// emit runs outside the lock so observers may call back into the controller
func (c *Controller) emit(ev *SwitchEvent) {
	if ev == nil {
		return
	}

	from := ""
	if ev.From != nil {
		from = ev.From.String()
	}
	metrics.RecordLevelSwitch(ev.Reason, ev.Estimate)
	c.opts.Logger.LogLevelSwitch(from, ev.To.String(), ev.Reason, ev.Estimate)

	if c.opts.OnSwitch != nil {
		c.opts.OnSwitch(*ev)
	}
}
