// Package enclosure drives the clamshell enclosure and drive-power box
// over Modbus RTU. The mount supervisor treats it as a motion interlock:
// the tube must never slew against a closed clamshell.
package enclosure

import (
	"context"
	"fmt"
	"sync"

	"github.com/rotse3/schier_interface/internal/modbus"
)

// Coil assignments on the enclosure controller.
const (
	coilOpenClamshell  = 0
	coilCloseClamshell = 1
	coilDrivePower     = 2
)

// Discrete input assignments.
const (
	inputClamshellOpen   = 0
	inputClamshellClosed = 1
	inputDrivePowerOK    = 2
	inputRainSensor      = 3
)

type Status struct {
	CommandOpen  bool
	CommandClose bool
	DrivePowerOn bool

	ClamshellOpen   bool
	ClamshellClosed bool
	DrivePowerOK    bool
	RainDetected    bool

	// Connected is false while the Modbus link is down; every sensor
	// field is stale then and the interlock reads unsafe.
	Connected bool
}

type StatusCallback func(status Status)

type Enclosure struct {
	statusCallback StatusCallback
	client         *modbus.Client

	mu     sync.Mutex
	coils  []bool
	inputs []bool
	live   bool
}

// Config selects either a local serial port or an enclosure_proxy URL.
type Config struct {
	Port     string
	Baud     int
	URL      string
	Password string
}

func Connect(ctx context.Context, cfg Config, statusCallback StatusCallback) (*Enclosure, error) {
	e := &Enclosure{
		client: &modbus.Client{
			Port:     cfg.Port,
			BaudRate: cfg.Baud,
			SlaveID:  1,
			URL:      cfg.URL,
			Password: cfg.Password,
		},
		statusCallback: statusCallback,
	}
	e.client.Poll = e.pollOnce
	return e, e.client.Connect(ctx)
}

func (e *Enclosure) pollOnce() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	coils, err := e.client.ReadCoils(0, 3)
	if err != nil {
		e.markDown()
		return err
	}
	inputs, err := e.client.ReadDiscreteInputs(0, 4)
	if err != nil {
		e.markDown()
		return err
	}
	e.coils = modbus.BytesToBits(coils)
	e.inputs = modbus.BytesToBits(inputs)
	e.live = true
	e.notifyStatus()
	return nil
}

// markDown must be called with mu held.
func (e *Enclosure) markDown() {
	e.live = false
	e.notifyStatus()
}

// notifyStatus must be called with mu held.
func (e *Enclosure) notifyStatus() {
	if e.statusCallback != nil {
		e.statusCallback(e.parseRegisters())
	}
}

func (e *Enclosure) parseRegisters() Status {
	if !e.live {
		return Status{}
	}
	return Status{
		CommandOpen:  e.coils[coilOpenClamshell],
		CommandClose: e.coils[coilCloseClamshell],
		DrivePowerOn: e.coils[coilDrivePower],

		ClamshellOpen:   e.inputs[inputClamshellOpen],
		ClamshellClosed: e.inputs[inputClamshellClosed],
		DrivePowerOK:    e.inputs[inputDrivePowerOK],
		RainDetected:    e.inputs[inputRainSensor],

		Connected: true,
	}
}

// Status returns the latest snapshot.
func (e *Enclosure) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.parseRegisters()
}

// SafeToMove implements the supervisor's motion interlock: the
// clamshell must be confirmed fully open and drive power healthy. An
// unreachable controller is unsafe.
func (e *Enclosure) SafeToMove() bool {
	st := e.Status()
	return st.Connected && st.ClamshellOpen && !st.ClamshellClosed && st.DrivePowerOK
}

// OpenClamshell commands the clamshell open. The open and close coils
// are interlocked in the controller firmware, but never assert both.
func (e *Enclosure) OpenClamshell() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.client.WriteCoil(coilCloseClamshell, false); err != nil {
		return err
	}
	return e.client.WriteCoil(coilOpenClamshell, true)
}

// CloseClamshell commands the clamshell closed.
func (e *Enclosure) CloseClamshell() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.client.WriteCoil(coilOpenClamshell, false); err != nil {
		return err
	}
	return e.client.WriteCoil(coilCloseClamshell, true)
}

// SetDrivePower switches the mount drive amplifier supply.
func (e *Enclosure) SetDrivePower(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.WriteCoil(coilDrivePower, on)
}

func (s Status) String() string {
	if !s.Connected {
		return "enclosure: link down"
	}
	shell := "moving"
	switch {
	case s.ClamshellOpen && !s.ClamshellClosed:
		shell = "open"
	case s.ClamshellClosed && !s.ClamshellOpen:
		shell = "closed"
	}
	return fmt.Sprintf("enclosure: clamshell %s, power ok=%v, rain=%v", shell, s.DrivePowerOK, s.RainDetected)
}
