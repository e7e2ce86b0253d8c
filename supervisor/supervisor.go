// Package supervisor owns the mount state machine. It sequences protocol
// exchanges for every commanded motion, polls hardware status, and
// enforces soft limits and fault gating on everything it sends.
package supervisor

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotse3/schier_interface/mount"
	"github.com/rotse3/schier_interface/schier"
)

var axes = []mount.Axis{mount.AxisRA, mount.AxisDec}

// ModeParams are the velocity/acceleration pair for one slew mode.
type ModeParams struct {
	// Velocity in encoder counts per second.
	Velocity int64
	// Acceleration in encoder counts per second squared.
	Acceleration int64
}

// Interlock is an external collaborator that can veto motion, e.g. the
// enclosure controller refusing moves while the clamshell is closed.
type Interlock interface {
	SafeToMove() bool
}

// Config carries everything the supervisor needs at construction. There
// is no ambient configuration; the caller owns this value.
type Config struct {
	Limits mount.CalibrationLimits
	// Modes maps slew mode names (precise, normal, fast, init) to motion
	// parameters.
	Modes map[string]ModeParams

	SoftLimitMarginSteps      float64
	TrackingSafetyMarginSteps float64
	PositionToleranceSteps    float64
	// SettleSamples is how many consecutive in-tolerance polls complete a
	// slew. More than one, to reject a single noisy encoder read.
	SettleSamples int

	PollInterval           time.Duration
	SafetyInterval         time.Duration
	CompletionPollInterval time.Duration
	SlewTimeout            time.Duration
	HomingTimeout          time.Duration
}

func (c Config) withDefaults() Config {
	if c.Modes == nil {
		c.Modes = map[string]ModeParams{}
	}
	if _, ok := c.Modes["normal"]; !ok {
		c.Modes["normal"] = ModeParams{Velocity: 250000, Acceleration: 50000}
	}
	if c.SoftLimitMarginSteps == 0 {
		c.SoftLimitMarginSteps = 40000
	}
	if c.TrackingSafetyMarginSteps == 0 {
		c.TrackingSafetyMarginSteps = 20000
	}
	if c.PositionToleranceSteps == 0 {
		c.PositionToleranceSteps = 4000
	}
	if c.SettleSamples == 0 {
		c.SettleSamples = 3
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.SafetyInterval == 0 {
		c.SafetyInterval = 200 * time.Millisecond
	}
	if c.CompletionPollInterval == 0 {
		c.CompletionPollInterval = time.Second
	}
	if c.SlewTimeout == 0 {
		c.SlewTimeout = 300 * time.Second
	}
	if c.HomingTimeout == 0 {
		c.HomingTimeout = 5 * time.Minute
	}
	return c
}

// Supervisor drives one mount. All public methods are safe for
// concurrent use; exactly one multi-step command sequence runs on the
// serial line at a time.
type Supervisor struct {
	cfg       Config
	comm      *schier.Comm
	interlock Interlock

	// channel is the exclusive command channel: holding a token means
	// owning the serial line for a whole command sequence.
	channel chan struct{}
	// stopReq is set while a stop request is pending so wait loops yield
	// the channel within one tick instead of finishing their sequence.
	stopReq int32

	cancel context.CancelFunc
	done   sync.WaitGroup

	mu       sync.Mutex
	limits   mount.CalibrationLimits
	status   mount.MountStatus
	target   *mount.SlewTarget
	trackVel float64
	subs     []chan mount.MountStatus
}

// New constructs a supervisor over an open command line. Call Start to
// begin polling.
func New(comm *schier.Comm, cfg Config) (*Supervisor, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:     cfg,
		comm:    comm,
		channel: make(chan struct{}, 1),
		limits:  cfg.Limits,
	}
	s.status.State = mount.StateDisconnected
	return s, nil
}

// SetInterlock installs an external motion veto. Must be called before
// Start.
func (s *Supervisor) SetInterlock(i Interlock) {
	s.interlock = i
}

// Start verifies the controller responds on both axes, then launches the
// status poll loop and the tracking safety watchdog.
func (s *Supervisor) Start(ctx context.Context) error {
	s.setState(mount.StateInitializing, "starting")
	for _, axis := range axes {
		if _, err := s.comm.AxisStatus(ctx, axis); err != nil {
			s.setState(mount.StateDisconnected, "controller not answering")
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done.Add(2)
	go s.pollLoop(ctx)
	go s.safetyLoop(ctx)
	s.setState(mount.StateIdle, "controller answering on both axes")
	return nil
}

// Close stops the background loops. It does not touch the hardware; call
// Stop first if motion may be in progress.
func (s *Supervisor) Close() {
	if s.cancel != nil {
		s.cancel()
		s.done.Wait()
	}
	s.setState(mount.StateDisconnected, "closed")
}

// Limits returns the calibration currently in force.
func (s *Supervisor) Limits() mount.CalibrationLimits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// AdoptLimits replaces the calibration with values from a completed
// limit-discovery run. The old value is discarded, never mutated.
func (s *Supervisor) AdoptLimits(l mount.CalibrationLimits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = l
	log.Printf("adopted discovered limits: HA [%v, %v] Dec [%v, %v]",
		l.HANegative, l.HAPositive, l.DecNegative, l.DecPositive)
	return nil
}

// Status returns a copy of the latest snapshot. Never blocks on the
// command channel.
func (s *Supervisor) Status() mount.MountStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe returns a channel receiving every published snapshot. A slow
// subscriber only loses intermediate snapshots; it cannot block the
// supervisor or other subscribers.
func (s *Supervisor) Subscribe() chan mount.MountStatus {
	ch := make(chan mount.MountStatus, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, ch)
	return ch
}

func (s *Supervisor) Unsubscribe(ch chan mount.MountStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

// publish must be called with mu held.
func (s *Supervisor) publish() {
	s.status.UpdatedAt = time.Now()
	st := s.status
	for _, ch := range s.subs {
		select {
		case ch <- st:
		default:
			// Drop the stale snapshot so the latest one fits.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (s *Supervisor) setState(state mount.State, cause string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state, cause)
}

func (s *Supervisor) setStateLocked(state mount.State, cause string) {
	if s.status.State != state {
		log.Printf("state %s -> %s (%s)", s.status.State, state, cause)
	}
	s.status.State = state
	s.publish()
}

// State reports the current state.
func (s *Supervisor) State() mount.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status.State
}

func (s *Supervisor) acquire(ctx context.Context) error {
	select {
	case s.channel <- struct{}{}:
		return nil
	case <-ctx.Done():
		return mount.WrapError(mount.ErrConnection, ctx.Err(), "waiting for command channel")
	}
}

func (s *Supervisor) tryAcquire() bool {
	select {
	case s.channel <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Supervisor) release() {
	<-s.channel
}

func (s *Supervisor) stopRequested() bool {
	return atomic.LoadInt32(&s.stopReq) != 0
}

// pollLoop is the only concurrent activity besides command sequences. It
// briefly takes the command channel each tick to read status and
// positions, then updates the shared snapshot. When a command sequence
// owns the channel the tick is skipped; the sequence maintains the
// snapshot itself.
func (s *Supervisor) pollLoop(ctx context.Context) {
	defer s.done.Done()
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !s.tryAcquire() {
			continue
		}
		err := s.pollOnce(ctx)
		s.release()
		if err != nil {
			log.Printf("status poll: %v", err)
		}
	}
}

// pollOnce reads both axes and refreshes the snapshot. Caller must hold
// the command channel.
func (s *Supervisor) pollOnce(ctx context.Context) error {
	var sts [2]mount.AxisStatus
	for i, axis := range axes {
		w1, w2, err := s.comm.StatusWords(ctx, axis)
		if err != nil {
			return err
		}
		st := mount.ParseAxisStatus(w1, w2)
		commanded, actual, err := s.comm.Positions(ctx, axis)
		if err != nil {
			return err
		}
		st.Commanded = commanded
		st.Actual = actual
		sts[i] = st
	}
	s.updateSnapshot(sts[0], sts[1])

	if sts[0].AnyError() || sts[1].AnyError() {
		s.handleFault(ctx, sts)
	}
	return nil
}

// updateSnapshot refreshes the derived fields from fresh axis reads.
func (s *Supervisor) updateSnapshot(ra, dec mount.AxisStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.RA = ra
	s.status.Dec = dec
	ha, d, belowPole := s.limits.EncoderToCelestial(ra.Actual, dec.Actual)
	s.status.CurrentHA = ha
	s.status.CurrentDec = d
	if belowPole {
		s.status.PierSide = mount.PierBelowPole
	} else {
		s.status.PierSide = mount.PierNormal
	}
	s.publish()
}

// handleFault reacts to fault bits seen by the poll cycle. Caller must
// hold the command channel.
func (s *Supervisor) handleFault(ctx context.Context, sts [2]mount.AxisStatus) {
	var faulted mount.Axis
	var bits []string
	for i, axis := range axes {
		if sts[i].AnyError() {
			faulted = axis
			bits = sts[i].Faults()
			break
		}
	}
	state := s.State()
	if state == mount.StateSlewing || state == mount.StateTracking || state == mount.StateParking || state == mount.StateHoming {
		log.Printf("fault %v on %s during %s; stopping both axes", bits, faulted, state)
		s.stopBothAxes(ctx)
	}
	if state != mount.StateError {
		s.mu.Lock()
		s.target = nil
		s.status.TrackingMode = ""
		s.trackVel = 0
		s.setStateLocked(mount.StateError, "hardware fault "+string(faulted))
		s.mu.Unlock()
	}
}

// stopBothAxes zeroes both velocities and issues Stop on both axes. Used
// as pre-motion step 1 and as the best-effort abort path; it always
// attempts all four commands and reports the first failure.
func (s *Supervisor) stopBothAxes(ctx context.Context) error {
	var firstErr error
	for _, axis := range axes {
		if err := s.comm.SetVelocity(ctx, axis, 0); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.comm.Stop(ctx, axis); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
