package schier

import (
	"context"

	"github.com/rotse3/schier_interface/mount"
)

// Stop halts commanded motion on one axis while keeping the servo loop
// armed. Safe at any time.
func (c *Comm) Stop(ctx context.Context, axis mount.Axis) error {
	_, err := c.Send(ctx, StopMnemonic(axis))
	return err
}

// Halt disengages the axis amplifier entirely. On mounts with the
// mechanical brakes removed this lets the tube free-fall; it is only
// valid inside the initialization sequence, immediately followed by Stop
// to re-arm the servo loop.
func (c *Comm) Halt(ctx context.Context, axis mount.Axis) error {
	_, err := c.Send(ctx, HaltMnemonic(axis))
	return err
}

// Home starts the axis hardware homing routine.
func (c *Comm) Home(ctx context.Context, axis mount.Axis) error {
	_, err := c.Send(ctx, HomeMnemonic(axis))
	return err
}

// Run arms the axis motion program. Motion starts when a nonzero
// velocity is commanded afterwards.
func (c *Comm) Run(ctx context.Context, axis mount.Axis) error {
	_, err := c.Send(ctx, RunMnemonic(axis))
	return err
}

// SetPosition sets the axis target position in encoder counts.
func (c *Comm) SetPosition(ctx context.Context, axis mount.Axis, counts int64) error {
	_, err := c.Send(ctx, PosMnemonic(axis), counts)
	return err
}

// SetVelocity sets the axis slew velocity in encoder counts per second.
func (c *Comm) SetVelocity(ctx context.Context, axis mount.Axis, counts int64) error {
	_, err := c.Send(ctx, VelMnemonic(axis), counts)
	return err
}

// SetAcceleration sets the axis acceleration in encoder counts per
// second squared.
func (c *Comm) SetAcceleration(ctx context.Context, axis mount.Axis, counts int64) error {
	_, err := c.Send(ctx, AccelMnemonic(axis), counts)
	return err
}

// Positions reads the commanded and actual encoder positions of an axis.
func (c *Comm) Positions(ctx context.Context, axis mount.Axis) (commanded, actual float64, err error) {
	data, err := c.Send(ctx, Status1Mnemonic(axis))
	if err != nil {
		return 0, 0, err
	}
	fields := ParseFields(data)
	if len(fields) != 2 {
		return 0, 0, mount.AxisErrorf(mount.ErrParse, axis, "malformed position reply %q", data)
	}
	if commanded, err = ParseCount(fields[0]); err != nil {
		return 0, 0, err
	}
	if actual, err = ParseCount(fields[1]); err != nil {
		return 0, 0, err
	}
	return commanded, actual, nil
}

// StatusWords reads the two raw hardware status words of an axis.
func (c *Comm) StatusWords(ctx context.Context, axis mount.Axis) (word1, word2 uint16, err error) {
	data, err := c.Send(ctx, Status2Mnemonic(axis))
	if err != nil {
		return 0, 0, err
	}
	fields := ParseFields(data)
	if len(fields) != 2 {
		return 0, 0, mount.AxisErrorf(mount.ErrParse, axis, "malformed status reply %q", data)
	}
	if word1, err = ParseStatusWord(fields[0]); err != nil {
		return 0, 0, err
	}
	if word2, err = ParseStatusWord(fields[1]); err != nil {
		return 0, 0, err
	}
	return word1, word2, nil
}

// AxisStatus reads and decodes the fault flags of an axis.
func (c *Comm) AxisStatus(ctx context.Context, axis mount.Axis) (mount.AxisStatus, error) {
	w1, w2, err := c.StatusWords(ctx, axis)
	if err != nil {
		return mount.AxisStatus{}, err
	}
	return mount.ParseAxisStatus(w1, w2), nil
}
