package supervisor

import (
	"context"
	"log"
	"time"

	"github.com/rotse3/schier_interface/mount"
)

// Track starts sidereal tracking. mode names the tracking rate:
// "sidereal" is rate 1; any other mode must appear in the rate table via
// TrackRate.
func (s *Supervisor) Track(ctx context.Context) error {
	return s.TrackRate(ctx, "sidereal", 1)
}

// TrackRate starts velocity-mode tracking at a multiple of the sidereal
// rate. Tracking is one continuous velocity command toward a target at
// the safe limit in the direction of travel; the controller never
// reaches it, so it keeps running at the commanded rate until stopped or
// until the safety watchdog intervenes.
func (s *Supervisor) TrackRate(ctx context.Context, mode string, multiplier float64) error {
	if multiplier == 0 {
		return mount.Errorf(mount.ErrInput, "zero tracking rate; use Stop to stop")
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	if st := s.State(); st != mount.StateIdle && st != mount.StateTracking {
		return mount.Errorf(mount.ErrInput, "cannot track from %s", st)
	}

	if err := s.preMotion(ctx); err != nil {
		return s.abortMotion(err, "pre-motion check failed")
	}

	// Direction depends on pier side: below the pole the HA axis runs
	// the other way.
	var sts [2]mount.AxisStatus
	for i, axis := range axes {
		commanded, actual, err := s.comm.Positions(ctx, axis)
		if err != nil {
			return s.abortMotion(err, "position read failed")
		}
		sts[i].Commanded = commanded
		sts[i].Actual = actual
	}
	limits := s.Limits()
	vel := limits.SiderealRate() * multiplier
	if limits.PierSideAt(sts[0].Actual, sts[1].Actual) == mount.PierBelowPole {
		vel = -vel
	}
	target := limits.TrackingTarget(vel, s.cfg.SoftLimitMarginSteps)

	// The axis must have room to run before it crosses into the safety
	// margin.
	remaining := target - sts[0].Actual
	if vel < 0 {
		remaining = sts[0].Actual - target
	}
	if remaining <= s.cfg.TrackingSafetyMarginSteps {
		return &mount.Error{
			Kind:  mount.ErrSafety,
			Axis:  mount.AxisRA,
			Limit: limitName(vel),
			Msg:   "no tracking room left in the direction of travel",
		}
	}

	params := s.cfg.Modes["normal"]
	if err := s.comm.SetPosition(ctx, mount.AxisRA, round(target)); err != nil {
		return s.abortMotion(err, "tracking target set failed")
	}
	if err := s.comm.SetAcceleration(ctx, mount.AxisRA, params.Acceleration); err != nil {
		return s.abortMotion(err, "tracking acceleration set failed")
	}
	if err := s.comm.Run(ctx, mount.AxisRA); err != nil {
		return s.abortMotion(err, "tracking run failed")
	}
	if err := s.comm.SetVelocity(ctx, mount.AxisRA, round(vel)); err != nil {
		return s.abortMotion(err, "tracking velocity set failed")
	}

	s.mu.Lock()
	s.trackVel = vel
	s.status.TrackingMode = mode
	s.setStateLocked(mount.StateTracking, "tracking started")
	s.mu.Unlock()
	return nil
}

func limitName(vel float64) string {
	if vel >= 0 {
		return "ha_positive"
	}
	return "ha_negative"
}

// safetyLoop is the tracking watchdog. It runs faster than the status
// poll so tracking into a limit is caught without waiting for the full
// poll cycle: each tick it reads only the HA position and stops tracking
// the moment the remaining distance to the safe limit drops below the
// safety margin.
func (s *Supervisor) safetyLoop(ctx context.Context) {
	defer s.done.Done()
	t := time.NewTicker(s.cfg.SafetyInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		s.mu.Lock()
		vel := s.trackVel
		tracking := s.status.State == mount.StateTracking
		limits := s.limits
		s.mu.Unlock()
		if !tracking || vel == 0 {
			continue
		}
		if !s.tryAcquire() {
			continue
		}
		_, actual, err := s.comm.Positions(ctx, mount.AxisRA)
		if err != nil {
			s.release()
			log.Printf("tracking safety read: %v", err)
			continue
		}
		boundary := limits.TrackingTarget(vel, s.cfg.SoftLimitMarginSteps)
		remaining := boundary - actual
		if vel < 0 {
			remaining = actual - boundary
		}
		if remaining > s.cfg.TrackingSafetyMarginSteps {
			s.release()
			continue
		}
		log.Printf("tracking within %v counts of %s; stopping", remaining, limitName(vel))
		if err := s.stopBothAxes(ctx); err != nil {
			log.Printf("tracking safety stop: %v", err)
		}
		s.release()
		s.mu.Lock()
		s.trackVel = 0
		s.status.TrackingMode = ""
		s.setStateLocked(mount.StateIdle, "tracking safety stop")
		s.mu.Unlock()
	}
}
