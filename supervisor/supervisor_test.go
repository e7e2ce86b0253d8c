package supervisor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rotse3/schier_interface/mount"
	"github.com/rotse3/schier_interface/schier"
)

var testLimits = mount.CalibrationLimits{
	HANegative:        -2260241,
	HAPositive:        2234218,
	DecNegative:       -1534182,
	DecPositive:       3001074,
	HAStepsPerDegree:  25000,
	DecStepsPerDegree: 25000,
	LatitudeDeg:       30.67,
}

// decActualNormal is an encoder position on the normal side of the pier
// (Dec -30 with testLimits). The simulator powers up with both encoders
// at zero, which with testLimits decodes as a below-the-pole pointing;
// tests that care about pier side park the Dec axis here first.
const decActualNormal = 2266750

func testSupervisor(t *testing.T, tweak func(*Config)) (*Supervisor, *schier.Simulator) {
	t.Helper()
	sim, conn := schier.NewSimulator()
	ctx, cancel := context.WithCancel(context.Background())
	go sim.Run(ctx)
	comm := schier.New(conn, schier.Config{
		Timeout:     200 * time.Millisecond,
		Retries:     1,
		Backoff:     2 * time.Millisecond,
		ResyncDelay: time.Millisecond,
	})
	cfg := Config{
		Limits: testLimits,
		Modes: map[string]ModeParams{
			"normal":  {Velocity: 80000000, Acceleration: 1000000},
			"precise": {Velocity: 80000000, Acceleration: 500000},
			"crawl":   {Velocity: 10, Acceleration: 10},
		},
		SoftLimitMarginSteps:      40000,
		TrackingSafetyMarginSteps: 20000,
		PositionToleranceSteps:    4000,
		SettleSamples:             2,
		PollInterval:              50 * time.Millisecond,
		SafetyInterval:            20 * time.Millisecond,
		CompletionPollInterval:    15 * time.Millisecond,
		SlewTimeout:               5 * time.Second,
		HomingTimeout:             5 * time.Second,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	s, err := New(comm, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		cancel()
		comm.Close()
	})
	return s, sim
}

func waitForState(t *testing.T, s *Supervisor, want mount.State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s within %v", s.State(), want, within)
}

func TestGotoCompletes(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	ctx := context.Background()

	if err := s.Goto(ctx, 2.0, -30, "normal"); err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if got := s.State(); got != mount.StateIdle {
		t.Errorf("state after goto = %s, want IDLE", got)
	}
	// Commanded positions are rounded to whole counts on the wire.
	wantHA, wantDec, _ := testLimits.CelestialToEncoder(2.0, -30)
	if got := sim.Actual(mount.AxisRA); math.Abs(got-wantHA) > 1 {
		t.Errorf("RA position = %v, want %v", got, wantHA)
	}
	if got := sim.Actual(mount.AxisDec); math.Abs(got-wantDec) > 1 {
		t.Errorf("Dec position = %v, want %v", got, wantDec)
	}
	// The final stops must have disarmed both axes.
	if sim.Running(mount.AxisRA) || sim.Running(mount.AxisDec) {
		t.Error("axes still armed after slew completion")
	}
	st := s.Status()
	if st.PierSide != mount.PierNormal {
		t.Errorf("pier side = %s, want NORMAL", st.PierSide)
	}
}

func TestGotoBelowPole(t *testing.T) {
	s, _ := testSupervisor(t, nil)
	if err := s.Goto(context.Background(), 8.0, 10, "normal"); err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if got := s.Status().PierSide; got != mount.PierBelowPole {
		t.Errorf("pier side = %s, want BELOW_POLE", got)
	}
}

func TestGotoRejectsOutOfLimits(t *testing.T) {
	// Quiet poll so the request count below is exact.
	s, sim := testSupervisor(t, func(c *Config) { c.PollInterval = time.Hour })
	before := sim.Requests()
	// Dec arm angle beyond the positive limit.
	err := s.Goto(context.Background(), 0, 90, "normal")
	if err == nil {
		t.Fatal("out-of-limit goto accepted")
	}
	if !mount.IsKind(err, mount.ErrSafety) {
		t.Errorf("error = %v, want safety kind", err)
	}
	e := err.(*mount.Error)
	if e.Limit != "dec_positive" || e.Axis != mount.AxisDec {
		t.Errorf("error context = %+v, want dec_positive on Dec", e)
	}
	// Rejected before the controller sees a single command.
	if after := sim.Requests() - before; after != 0 {
		t.Errorf("%d wire commands issued for a rejected goto", after)
	}
	if got := s.State(); got != mount.StateIdle {
		t.Errorf("state = %s, want IDLE (no motion attempted)", got)
	}
}

func TestGotoRejectsBadInput(t *testing.T) {
	s, _ := testSupervisor(t, nil)
	for _, tc := range []struct {
		ha, dec float64
		mode    string
	}{
		{0, 95, "normal"},
		{0, 0, "warp"},
	} {
		err := s.Goto(context.Background(), tc.ha, tc.dec, tc.mode)
		if err == nil || !mount.IsKind(err, mount.ErrInput) {
			t.Errorf("Goto(%v, %v, %q) = %v, want input error", tc.ha, tc.dec, tc.mode, err)
		}
	}
}

func TestFaultGatesMotion(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	sim.SetStatusWords(mount.AxisDec, 0x0002, 0x0000) // negative limit switch

	err := s.Goto(context.Background(), 1.0, -30, "normal")
	if err == nil {
		t.Fatal("goto proceeded with a fault bit set")
	}
	if !mount.IsKind(err, mount.ErrSafety) {
		t.Errorf("error = %v, want safety kind", err)
	}
	e := err.(*mount.Error)
	if e.Axis != mount.AxisDec || len(e.FaultBits) != 1 || e.FaultBits[0] != "neg_limit" {
		t.Errorf("error context = %+v, want neg_limit on Dec", e)
	}
	// The motion sequence must not have armed either axis.
	if sim.Running(mount.AxisRA) || sim.Running(mount.AxisDec) {
		t.Error("axis armed despite fault gate")
	}
	waitForState(t, s, mount.StateError, time.Second)
}

func TestFaultDuringMotionForcesStop(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	done := make(chan error, 1)
	go func() {
		done <- s.Goto(context.Background(), 5.0, -30, "crawl")
	}()
	waitForState(t, s, mount.StateSlewing, time.Second)
	sim.SetStatusWords(mount.AxisRA, 0x0001, 0x0000) // estop

	err := <-done
	if err == nil {
		t.Fatal("slew completed despite estop")
	}
	if !mount.IsKind(err, mount.ErrSafety) {
		t.Errorf("error = %v, want safety kind", err)
	}
	if s.State() != mount.StateError {
		t.Errorf("state = %s, want ERROR", s.State())
	}
	if sim.Velocity(mount.AxisRA) != 0 || sim.Velocity(mount.AxisDec) != 0 {
		t.Error("axes still commanded to move after fault")
	}
}

func TestSlewTimeout(t *testing.T) {
	s, sim := testSupervisor(t, func(c *Config) { c.SlewTimeout = 100 * time.Millisecond })

	err := s.Goto(context.Background(), 5.0, -30, "crawl")
	if err == nil {
		t.Fatal("crawl slew converged inside 100ms")
	}
	if !mount.IsKind(err, mount.ErrMotion) {
		t.Errorf("error = %v, want motion kind", err)
	}
	if s.State() != mount.StateError {
		t.Errorf("state = %s, want ERROR", s.State())
	}
	if sim.Velocity(mount.AxisRA) != 0 {
		t.Error("RA axis still commanded to move after timeout stop")
	}
}

func TestStopInterruptsSlew(t *testing.T) {
	s, _ := testSupervisor(t, nil)
	done := make(chan error, 1)
	go func() {
		done <- s.Goto(context.Background(), 5.0, -30, "crawl")
	}()
	waitForState(t, s, mount.StateSlewing, time.Second)

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	err := <-done
	if err == nil || !mount.IsKind(err, mount.ErrMotion) {
		t.Errorf("interrupted goto = %v, want motion error", err)
	}
	if s.State() != mount.StateIdle {
		t.Errorf("state = %s, want IDLE", s.State())
	}
}

func TestStopPreservesErrorState(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	sim.SetStatusWords(mount.AxisRA, 0x0001, 0x0000)
	waitForState(t, s, mount.StateError, time.Second)
	sim.SetStatusWords(mount.AxisRA, 0, 0)

	// Stop quiets the axes but must not clear the fault state; only
	// Recover does that, after re-checking the fault bits and history.
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.State(); got != mount.StateError {
		t.Fatalf("state after stop = %s, want ERROR", got)
	}
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := s.State(); got != mount.StateIdle {
		t.Errorf("state after recover = %s, want IDLE", got)
	}
}

func TestStopWhileParkedStaysParked(t *testing.T) {
	s, _ := testSupervisor(t, nil)
	ctx := context.Background()
	if err := s.Park(ctx, 0, -30.67); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := s.State(); got != mount.StateParked {
		t.Fatalf("state after stop = %s, want PARKED", got)
	}
	if err := s.Unpark(ctx); err != nil {
		t.Fatalf("Unpark: %v", err)
	}
}

func TestParkAndUnpark(t *testing.T) {
	s, _ := testSupervisor(t, nil)
	ctx := context.Background()
	if err := s.Park(ctx, 0, -30.67); err != nil {
		t.Fatalf("Park: %v", err)
	}
	if s.State() != mount.StateParked {
		t.Fatalf("state = %s, want PARKED", s.State())
	}
	// Motion refused while parked.
	if err := s.Goto(ctx, 1, -30, "normal"); err == nil || !mount.IsKind(err, mount.ErrInput) {
		t.Errorf("goto while parked = %v, want input error", err)
	}
	if err := s.Unpark(ctx); err != nil {
		t.Fatalf("Unpark: %v", err)
	}
	if s.State() != mount.StateIdle {
		t.Errorf("state = %s, want IDLE", s.State())
	}
}

func TestTrackingSafetyStop(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	boundary := testLimits.TrackingTarget(1, s.cfg.SoftLimitMarginSteps)
	sim.SetActual(mount.AxisRA, boundary-25000)
	sim.SetActual(mount.AxisDec, decActualNormal)

	// Fast non-sidereal rate so the axis crosses into the margin within a
	// few watchdog ticks.
	if err := s.TrackRate(context.Background(), "test", 50000); err != nil {
		t.Fatalf("TrackRate: %v", err)
	}
	if s.State() != mount.StateTracking {
		t.Fatalf("state = %s, want TRACKING", s.State())
	}
	// The watchdog must stop tracking within roughly one safety interval
	// of the crossing, well before a full poll cycle would notice.
	waitForState(t, s, mount.StateIdle, time.Second)
	if sim.Velocity(mount.AxisRA) != 0 {
		t.Error("RA axis still tracking after safety stop")
	}
	if got := s.Status().TrackingMode; got != "" {
		t.Errorf("tracking mode = %q after safety stop", got)
	}
}

func TestTrackingDirectionBelowPole(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	// Park the axes on a below-the-pole pointing first.
	haEnc, decEnc, _ := testLimits.CelestialToEncoder(8.0, 10)
	sim.SetActual(mount.AxisRA, haEnc)
	sim.SetActual(mount.AxisDec, decEnc)

	if err := s.TrackRate(context.Background(), "sidereal", 1); err != nil {
		t.Fatalf("TrackRate: %v", err)
	}
	if v := sim.Velocity(mount.AxisRA); v >= 0 {
		t.Errorf("below-pole tracking velocity = %v, want negative", v)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestTrackingRefusedAtLimit(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	boundary := testLimits.TrackingTarget(1, s.cfg.SoftLimitMarginSteps)
	sim.SetActual(mount.AxisRA, boundary-1000)
	sim.SetActual(mount.AxisDec, decActualNormal)

	err := s.TrackRate(context.Background(), "sidereal", 1)
	if err == nil || !mount.IsKind(err, mount.ErrSafety) {
		t.Errorf("TrackRate at limit = %v, want safety error", err)
	}
}

func TestShiftWhileTracking(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	ctx := context.Background()
	if err := s.Goto(ctx, 2.0, -30, "normal"); err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if err := s.Track(ctx); err != nil {
		t.Fatalf("Track: %v", err)
	}
	// Stand in for an hour of tracking: advance the RA axis well past the
	// goto-era target and let the status poll pick it up.
	haEnc, _, _ := testLimits.CelestialToEncoder(3.0, -30)
	sim.SetActual(mount.AxisRA, haEnc)
	deadline := time.Now().Add(time.Second)
	for math.Abs(s.Status().CurrentHA-3.0) > 0.01 {
		if time.Now().After(deadline) {
			t.Fatalf("poll never saw the tracked position, CurrentHA = %v", s.Status().CurrentHA)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A guiding nudge offsets the live pointing, not the stale target.
	if err := s.Shift(ctx, 0, -1); err != nil {
		t.Fatalf("Shift: %v", err)
	}
	st := s.Status()
	if math.Abs(st.TargetHA-3.0) > 0.05 {
		t.Errorf("shift based on HA %v, want the tracked position near 3.0", st.TargetHA)
	}
	if math.Abs(st.TargetDec-(-31)) > 0.01 {
		t.Errorf("shift target dec = %v, want -31", st.TargetDec)
	}
}

func TestTransportFailureMidSequenceStopsBothAxes(t *testing.T) {
	// Quiet poll so the drop counter lands on the intended request.
	s, sim := testSupervisor(t, func(c *Config) { c.PollInterval = time.Hour })
	// Let pre-motion (6 commands) and the RA position through, then
	// swallow the Dec position attempts so the sequence dies
	// half-commanded.
	sim.DropRepliesAfter(7, 2)

	err := s.Goto(context.Background(), 1.0, -30, "normal")
	if err == nil {
		t.Fatal("goto succeeded with replies dropped")
	}
	if !mount.IsKind(err, mount.ErrConnection) {
		t.Errorf("error = %v, want connection kind", err)
	}
	// Best-effort abort: neither axis left armed or moving.
	if sim.Running(mount.AxisRA) || sim.Running(mount.AxisDec) {
		t.Error("axis left armed after mid-sequence failure")
	}
	if sim.Velocity(mount.AxisRA) != 0 || sim.Velocity(mount.AxisDec) != 0 {
		t.Error("axis left with commanded velocity after mid-sequence failure")
	}
	if s.State() != mount.StateError {
		t.Errorf("state = %s, want ERROR", s.State())
	}
}

func TestHome(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	sim.SetActual(mount.AxisRA, 400000)
	sim.SetActual(mount.AxisDec, -250000)

	if err := s.Home(context.Background()); err != nil {
		t.Fatalf("Home: %v", err)
	}
	if s.State() != mount.StateIdle {
		t.Errorf("state = %s, want IDLE", s.State())
	}
	if got := sim.Actual(mount.AxisRA); got != 0 {
		t.Errorf("RA position after home = %v, want 0", got)
	}
}

func TestInitializeReArmFailureHalts(t *testing.T) {
	s, sim := testSupervisor(t, func(cfg *Config) { cfg.PollInterval = time.Hour })
	ctx := context.Background()

	// Initialization sends Halt RA followed by the re-arm Stop RA.
	// Answer the Halt, then swallow both attempts of the Stop, leaving
	// the RA amplifier disengaged.
	sim.DropRepliesAfter(1, 2)
	err := s.Initialize(ctx)
	if err == nil || !mount.IsKind(err, mount.ErrConnection) {
		t.Fatalf("Initialize = %v, want connection error", err)
	}
	if got := s.State(); got != mount.StateHalted {
		t.Fatalf("state after failed re-arm = %s, want HALTED", got)
	}

	// Halted is a valid starting state for another attempt.
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("Initialize retry: %v", err)
	}
	if got := s.State(); got != mount.StateIdle {
		t.Errorf("state = %s, want IDLE", got)
	}
}

func TestRecoverRequiresError(t *testing.T) {
	s, _ := testSupervisor(t, nil)
	err := s.Recover(context.Background())
	if err == nil || !mount.IsKind(err, mount.ErrInput) {
		t.Errorf("Recover from IDLE = %v, want input error", err)
	}
}

func TestRecoverAfterFaultClears(t *testing.T) {
	s, sim := testSupervisor(t, nil)
	sim.SetStatusWords(mount.AxisRA, 0x0001, 0x0000)
	waitForState(t, s, mount.StateError, time.Second)

	// Fault still present: recovery refused.
	if err := s.Recover(context.Background()); err == nil || !mount.IsKind(err, mount.ErrSafety) {
		t.Errorf("Recover with fault = %v, want safety error", err)
	}

	sim.SetStatusWords(mount.AxisRA, 0, 0)
	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if s.State() != mount.StateIdle {
		t.Errorf("state = %s, want IDLE", s.State())
	}
}

func TestAdoptLimits(t *testing.T) {
	s, _ := testSupervisor(t, nil)
	discovered := testLimits
	discovered.HANegative = -2260000
	discovered.HAPositive = 2234000
	if err := s.AdoptLimits(discovered); err != nil {
		t.Fatalf("AdoptLimits: %v", err)
	}
	if got := s.Limits().HANegative; got != -2260000 {
		t.Errorf("HANegative = %v after adopt", got)
	}
	bad := discovered
	bad.HAPositive = bad.HANegative
	if err := s.AdoptLimits(bad); err == nil {
		t.Error("degenerate limits adopted")
	}
}

type fakeInterlock struct{ safe bool }

func (f *fakeInterlock) SafeToMove() bool { return f.safe }

func TestInterlockVetoesMotion(t *testing.T) {
	sim, conn := schier.NewSimulator()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sim.Run(ctx)
	comm := schier.New(conn, schier.Config{Timeout: 200 * time.Millisecond, Retries: 1, Backoff: 2 * time.Millisecond, ResyncDelay: time.Millisecond})
	defer comm.Close()
	s, err := New(comm, Config{Limits: testLimits})
	if err != nil {
		t.Fatal(err)
	}
	il := &fakeInterlock{safe: false}
	s.SetInterlock(il)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	if err := s.Goto(ctx, 1.0, -30, "normal"); err == nil || !mount.IsKind(err, mount.ErrSafety) {
		t.Errorf("goto with interlock = %v, want safety error", err)
	}
}

func TestSubscribe(t *testing.T) {
	s, _ := testSupervisor(t, nil)
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)
	select {
	case st := <-ch:
		if st.UpdatedAt.IsZero() {
			t.Error("snapshot missing timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published within a poll interval")
	}
}
