package supervisor

import (
	"context"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/rotse3/schier_interface/mount"
)

// secantClampDeg bounds the secant scaling of HA shifts near the poles.
const secantClampDeg = 85

// preMotion is the fixed protocol ahead of every commanded move:
//  1. zero both axis velocities and issue Stop on both axes. Skipping
//     this locks up the controller on this hardware family.
//  2. read both axes' fault bits and refuse to proceed if any is set,
//     or if an installed interlock vetoes motion.
//
// Caller must hold the command channel.
func (s *Supervisor) preMotion(ctx context.Context) error {
	if err := s.stopBothAxes(ctx); err != nil {
		return err
	}
	for _, axis := range axes {
		st, err := s.comm.AxisStatus(ctx, axis)
		if err != nil {
			return err
		}
		if st.AnyError() {
			return &mount.Error{
				Kind:      mount.ErrSafety,
				Axis:      axis,
				FaultBits: st.Faults(),
				Msg:       "axis fault set before motion",
			}
		}
	}
	if s.interlock != nil && !s.interlock.SafeToMove() {
		return mount.Errorf(mount.ErrSafety, "motion interlock engaged")
	}
	return nil
}

// Goto slews to an (HA, Dec) target and blocks until the mount settles
// there or the move fails.
func (s *Supervisor) Goto(ctx context.Context, haHours, decDeg float64, mode string) error {
	return s.slewTo(ctx, haHours, decDeg, mode, false)
}

// Park slews to the park position and leaves the mount in Parked.
func (s *Supervisor) Park(ctx context.Context, haHours, decDeg float64) error {
	return s.slewTo(ctx, haHours, decDeg, "normal", true)
}

// Unpark returns a parked mount to Idle. Pure state change, no motion.
func (s *Supervisor) Unpark(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if st := s.State(); st != mount.StateParked {
		return mount.Errorf(mount.ErrInput, "cannot unpark from %s", st)
	}
	s.setState(mount.StateIdle, "unpark")
	return nil
}

func (s *Supervisor) slewTo(ctx context.Context, haHours, decDeg float64, mode string, isPark bool) error {
	if math.IsNaN(haHours) || math.IsInf(haHours, 0) || math.IsNaN(decDeg) || math.IsInf(decDeg, 0) {
		return mount.Errorf(mount.ErrInput, "non-finite target (%v, %v)", haHours, decDeg)
	}
	if decDeg < -90 || decDeg > 90 {
		return mount.Errorf(mount.ErrInput, "declination %v out of range", decDeg)
	}
	params, ok := s.cfg.Modes[mode]
	if !ok {
		return mount.Errorf(mount.ErrInput, "unknown slew mode %q", mode)
	}

	limits := s.Limits()
	haEnc, decEnc, belowPole := limits.CelestialToEncoder(haHours, decDeg)
	// Reject before any wire traffic.
	safe := limits.Safe(s.cfg.SoftLimitMarginSteps)
	if err := safe.CheckHA(haEnc); err != nil {
		return err
	}
	if err := safe.CheckDec(decEnc); err != nil {
		return err
	}

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if st := s.State(); st != mount.StateIdle && st != mount.StateTracking {
		return mount.Errorf(mount.ErrInput, "cannot slew from %s", st)
	}

	if err := s.preMotion(ctx); err != nil {
		return s.abortMotion(err, "pre-motion check failed")
	}

	if err := s.issueMove(ctx, haEnc, decEnc, params); err != nil {
		return s.abortMotion(err, "move sequence failed")
	}

	s.mu.Lock()
	s.target = &mount.SlewTarget{
		HAEnc:     haEnc,
		DecEnc:    decEnc,
		Tolerance: s.cfg.PositionToleranceSteps,
		IssuedAt:  time.Now(),
		IsPark:    isPark,
	}
	s.status.TrackingMode = ""
	s.trackVel = 0
	s.status.TargetHA = mount.NormalizeHA(haHours)
	s.status.TargetDec = decDeg
	if belowPole {
		s.status.PierSide = mount.PierBelowPole
	} else {
		s.status.PierSide = mount.PierNormal
	}
	if isPark {
		s.setStateLocked(mount.StateParking, "park commanded")
	} else {
		s.setStateLocked(mount.StateSlewing, "goto commanded")
	}
	s.mu.Unlock()

	return s.waitForCompletion(ctx)
}

// issueMove sends the motion sequence for both axes: positions, then
// accelerations, then Run, then velocities. Velocity last; it is what
// engages motion.
func (s *Supervisor) issueMove(ctx context.Context, haEnc, decEnc float64, params ModeParams) error {
	if err := s.comm.SetPosition(ctx, mount.AxisRA, round(haEnc)); err != nil {
		return err
	}
	if err := s.comm.SetPosition(ctx, mount.AxisDec, round(decEnc)); err != nil {
		return err
	}
	for _, axis := range axes {
		if err := s.comm.SetAcceleration(ctx, axis, params.Acceleration); err != nil {
			return err
		}
		if err := s.comm.Run(ctx, axis); err != nil {
			return err
		}
	}
	for _, axis := range axes {
		if err := s.comm.SetVelocity(ctx, axis, params.Velocity); err != nil {
			return err
		}
	}
	return nil
}

func round(v float64) int64 {
	return int64(math.Round(v))
}

// abortMotion is the mid-sequence failure path: best-effort Stop on both
// axes so a half-commanded move never keeps a single axis running, then
// propagate the original error. Safety and connection failures leave the
// mount in Error.
func (s *Supervisor) abortMotion(err error, cause string) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if stopErr := s.stopBothAxes(stopCtx); stopErr != nil {
		log.Printf("abort stop failed: %v", stopErr)
	}
	s.mu.Lock()
	s.target = nil
	s.status.TrackingMode = ""
	s.trackVel = 0
	s.mu.Unlock()
	if mount.IsKind(err, mount.ErrInput) {
		return err
	}
	s.setState(mount.StateError, cause)
	return err
}

// waitForCompletion polls both axes until each is within tolerance of
// its commanded target for SettleSamples consecutive polls. There is no
// completion event on the wire; this inference is the only way to know a
// slew is done. Caller must hold the command channel.
func (s *Supervisor) waitForCompletion(ctx context.Context) error {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target == nil {
		return nil
	}
	deadline := target.IssuedAt.Add(s.cfg.SlewTimeout)
	t := time.NewTicker(s.cfg.CompletionPollInterval)
	defer t.Stop()
	settled := 0
	for {
		select {
		case <-ctx.Done():
			return s.abortMotion(mount.WrapError(mount.ErrConnection, ctx.Err(), "slew interrupted"), "context canceled during slew")
		case <-t.C:
		}

		if s.stopRequested() {
			// Yield to the pending stop: halt here, hand the channel back.
			s.stopBothAxes(ctx)
			s.mu.Lock()
			s.target = nil
			s.setStateLocked(mount.StateStopping, "stop requested during slew")
			s.mu.Unlock()
			return mount.Errorf(mount.ErrMotion, "slew aborted by stop request")
		}

		if time.Now().After(deadline) {
			err := s.abortMotion(mount.Errorf(mount.ErrMotion, "slew did not converge within %v", s.cfg.SlewTimeout), "slew timeout")
			return err
		}

		var sts [2]mount.AxisStatus
		ok := true
		for i, axis := range axes {
			w1, w2, err := s.comm.StatusWords(ctx, axis)
			if err != nil {
				return s.abortMotion(err, "status read failed during slew")
			}
			st := mount.ParseAxisStatus(w1, w2)
			commanded, actual, err := s.comm.Positions(ctx, axis)
			if err != nil {
				return s.abortMotion(err, "position read failed during slew")
			}
			st.Commanded = commanded
			st.Actual = actual
			sts[i] = st
			if st.AnyError() {
				s.handleFault(ctx, sts)
				return &mount.Error{
					Kind:      mount.ErrSafety,
					Axis:      axis,
					FaultBits: st.Faults(),
					Msg:       "axis fault during slew",
				}
			}
			if math.Abs(st.Actual-axisTarget(target, axis)) > target.Tolerance {
				ok = false
			}
		}
		s.updateSnapshot(sts[0], sts[1])

		if !ok {
			settled = 0
			continue
		}
		settled++
		if settled < s.cfg.SettleSamples {
			continue
		}

		// Settled: stop both axes before leaving the moving state.
		if err := s.stopBothAxes(ctx); err != nil {
			return s.abortMotion(err, "final stop failed")
		}
		s.mu.Lock()
		isPark := target.IsPark
		s.target = nil
		if isPark {
			s.setStateLocked(mount.StateParked, "park complete")
		} else {
			s.setStateLocked(mount.StateIdle, "slew complete")
		}
		s.mu.Unlock()
		return nil
	}
}

func axisTarget(t *mount.SlewTarget, axis mount.Axis) float64 {
	if axis == mount.AxisRA {
		return t.HAEnc
	}
	return t.DecEnc
}

// Stop halts all motion. It jumps ahead of any wait-for-completion loop:
// the pending flag makes the loop yield within one poll tick. Stopping
// from Error or Parked still quiets the axes but leaves the state alone:
// only Recover clears Error, and a parked mount stays parked.
func (s *Supervisor) Stop(ctx context.Context) error {
	atomic.StoreInt32(&s.stopReq, 1)
	defer atomic.StoreInt32(&s.stopReq, 0)
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	prior := s.State()
	s.setState(mount.StateStopping, "operator stop")
	err := s.stopBothAxes(ctx)
	s.mu.Lock()
	s.target = nil
	s.status.TrackingMode = ""
	s.trackVel = 0
	switch {
	case err != nil:
		s.setStateLocked(mount.StateError, "stop sequence failed")
	case prior == mount.StateError:
		s.setStateLocked(mount.StateError, "stopped, fault unresolved")
	case prior == mount.StateParked:
		s.setStateLocked(mount.StateParked, "stopped while parked")
	default:
		s.setStateLocked(mount.StateIdle, "stopped")
	}
	s.mu.Unlock()
	return err
}

// Home runs the hardware homing routine on both axes and waits for both
// to come to rest.
func (s *Supervisor) Home(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if st := s.State(); st != mount.StateIdle {
		return mount.Errorf(mount.ErrInput, "cannot home from %s", st)
	}
	if err := s.preMotion(ctx); err != nil {
		return s.abortMotion(err, "pre-motion check failed")
	}
	s.setState(mount.StateHoming, "home commanded")
	for _, axis := range axes {
		if err := s.comm.Home(ctx, axis); err != nil {
			return s.abortMotion(err, "home command failed")
		}
	}
	if err := s.waitForRest(ctx, s.cfg.HomingTimeout); err != nil {
		return s.abortMotion(err, "homing did not settle")
	}
	if err := s.stopBothAxes(ctx); err != nil {
		return s.abortMotion(err, "post-home stop failed")
	}
	s.setState(mount.StateIdle, "homing complete")
	return nil
}

// waitForRest polls until both axes hold position across consecutive
// samples. Caller must hold the command channel.
func (s *Supervisor) waitForRest(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	t := time.NewTicker(s.cfg.CompletionPollInterval)
	defer t.Stop()
	var last [2]float64
	havePrev := false
	settled := 0
	for {
		select {
		case <-ctx.Done():
			return mount.WrapError(mount.ErrConnection, ctx.Err(), "interrupted waiting for rest")
		case <-t.C:
		}
		if s.stopRequested() {
			return mount.Errorf(mount.ErrMotion, "aborted by stop request")
		}
		if time.Now().After(deadline) {
			return mount.Errorf(mount.ErrMotion, "axes still moving after %v", timeout)
		}
		var cur [2]float64
		for i, axis := range axes {
			_, actual, err := s.comm.Positions(ctx, axis)
			if err != nil {
				return err
			}
			cur[i] = actual
		}
		if havePrev &&
			math.Abs(cur[0]-last[0]) <= s.cfg.PositionToleranceSteps &&
			math.Abs(cur[1]-last[1]) <= s.cfg.PositionToleranceSteps {
			settled++
			if settled >= s.cfg.SettleSamples {
				return nil
			}
		} else {
			settled = 0
		}
		last = cur
		havePrev = true
	}
}

// Shift applies a small offset to the current pointing, e.g. for manual
// guiding. The HA component is scaled by the secant of the declination
// so the commanded shift is the same angle on the sky at any
// declination; the secant is clamped near the poles.
func (s *Supervisor) Shift(ctx context.Context, dHAHours, dDecDeg float64) error {
	st := s.Status()
	baseHA, baseDec := st.CurrentHA, st.CurrentDec
	if st.State == mount.StateSlewing {
		// Mid-slew the commanded target is the pointing of record. While
		// tracking it is not: the hour angle has been advancing since the
		// goto, so the live position is the base to offset from.
		baseHA, baseDec = st.TargetHA, st.TargetDec
	}
	clamped := baseDec
	if clamped > secantClampDeg {
		clamped = secantClampDeg
	} else if clamped < -secantClampDeg {
		clamped = -secantClampDeg
	}
	scaled := dHAHours / math.Cos(clamped*math.Pi/180)
	return s.slewTo(ctx, baseHA+scaled, baseDec+dDecDeg, "precise", false)
}

// Initialize re-arms the servo loops and homes the mount. This is the
// one place a hardware Halt is ever issued: each Halt is immediately
// followed by Stop, which re-engages the amplifier. Anywhere else a Halt
// would drop the tube on a brakeless mount.
func (s *Supervisor) Initialize(ctx context.Context) error {
	err := func() error {
		if err := s.acquire(ctx); err != nil {
			return err
		}
		defer s.release()
		if st := s.State(); st != mount.StateIdle && st != mount.StateHalted {
			return mount.Errorf(mount.ErrInput, "cannot initialize from %s", st)
		}
		s.setState(mount.StateInitializing, "initialization commanded")
		for _, axis := range axes {
			if err := s.comm.Halt(ctx, axis); err != nil {
				return s.abortMotion(err, "init halt failed")
			}
			if err := s.comm.Stop(ctx, axis); err != nil {
				// The Halt landed but the re-arm did not: the amplifier is
				// disengaged and the honest state is Halted, not Error.
				// Initialize accepts Halted so the operator can retry.
				s.setState(mount.StateHalted, "amplifier re-arm failed")
				return err
			}
		}
		s.setState(mount.StateIdle, "servo loops re-armed")
		return nil
	}()
	if err != nil {
		return err
	}
	return s.Home(ctx)
}

// Recover is the only path out of Error. It re-checks both axes and the
// drive fault history, then re-runs initialization.
func (s *Supervisor) Recover(ctx context.Context) error {
	err := func() error {
		if err := s.acquire(ctx); err != nil {
			return err
		}
		defer s.release()
		if st := s.State(); st != mount.StateError {
			return mount.Errorf(mount.ErrInput, "cannot recover from %s", st)
		}
		for _, axis := range axes {
			st, err := s.comm.AxisStatus(ctx, axis)
			if err != nil {
				return err
			}
			if st.AnyError() {
				return &mount.Error{
					Kind:      mount.ErrSafety,
					Axis:      axis,
					FaultBits: st.Faults(),
					Msg:       "fault still present, not recovering",
				}
			}
		}
		if _, err := s.comm.RecentFaults(ctx); err != nil {
			return err
		}
		s.setState(mount.StateIdle, "recovery: axes clean")
		return nil
	}()
	if err != nil {
		return err
	}
	return s.Initialize(ctx)
}

// RecentFaults returns the drive fault history. A catastrophic fault in
// the history forces Error.
func (s *Supervisor) RecentFaults(ctx context.Context) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.release()
	text, err := s.comm.RecentFaults(ctx)
	if err != nil && mount.IsKind(err, mount.ErrSafety) {
		s.setState(mount.StateError, "catastrophic fault in history")
	}
	return text, err
}
