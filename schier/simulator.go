package schier

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rotse3/schier_interface/mount"
)

// simStep is the discrete kinematics step size.
const simStep = 5 * time.Millisecond

type simAxis struct {
	commanded float64
	actual    float64
	velocity  float64
	accel     float64
	running   bool
	word1     uint16
	word2     uint16
}

// Simulator is a scriptable Schier controller on the far end of a
// net.Pipe. It answers the full command set and runs a simple kinematic
// model: while running, the actual position moves toward the commanded
// position at the commanded velocity. Fault-injection knobs exercise the
// transport's recovery paths.
type Simulator struct {
	conn io.ReadWriteCloser

	mu        sync.Mutex
	axes      map[mount.Axis]*simAxis
	faultText string

	corruptCRC  int
	swapAxis    int
	dropReply   int
	dropAfter   int
	resyncsSeen int
	requests    int
}

// NewSimulator returns a simulator and the byte stream to hand to New.
func NewSimulator() (*Simulator, net.Conn) {
	a, b := net.Pipe()
	s := &Simulator{
		conn: a,
		axes: map[mount.Axis]*simAxis{
			mount.AxisRA:  {},
			mount.AxisDec: {},
		},
		faultText: "no faults",
	}
	return s, b
}

// CorruptNextCRC makes the next n replies carry a bad checksum.
func (s *Simulator) CorruptNextCRC(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptCRC = n
}

// SwapAxisNextReply makes the next n replies echo the opposite axis,
// simulating a desynchronized line answering the previous command.
func (s *Simulator) SwapAxisNextReply(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapAxis = n
}

// DropNextReply makes the simulator swallow the next n requests.
func (s *Simulator) DropNextReply(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropReply = n
}

// DropRepliesAfter answers the next skip requests normally, then
// swallows the n after that.
func (s *Simulator) DropRepliesAfter(skip, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropAfter = skip
	s.dropReply = n
}

// Requests reports how many well-formed requests have arrived.
func (s *Simulator) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// SetFaultText sets the fault-history reply body.
func (s *Simulator) SetFaultText(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultText = text
}

// SetStatusWords sets the raw status words reported for an axis.
func (s *Simulator) SetStatusWords(axis mount.Axis, w1, w2 uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axes[axis].word1 = w1
	s.axes[axis].word2 = w2
}

// SetActual teleports an axis, for tests that need a starting position.
func (s *Simulator) SetActual(axis mount.Axis, counts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.axes[axis].actual = counts
}

// Actual reports an axis position.
func (s *Simulator) Actual(axis mount.Axis) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axes[axis].actual
}

// Velocity reports the commanded axis velocity.
func (s *Simulator) Velocity(axis mount.Axis) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axes[axis].velocity
}

// Running reports whether the axis motion program is armed.
func (s *Simulator) Running(axis mount.Axis) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.axes[axis].running
}

// Resyncs reports how many bare-CR resynchronizations have arrived.
func (s *Simulator) Resyncs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resyncsSeen
}

// Run serves requests and advances the kinematic model until ctx is
// canceled or the pipe closes.
func (s *Simulator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	g.Go(func() error {
		return s.serve()
	})
	g.Go(func() error {
		t := time.NewTicker(simStep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				s.step(simStep)
			}
		}
	})
	return g.Wait()
}

func (s *Simulator) step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ax := range s.axes {
		if !ax.running || ax.velocity == 0 {
			continue
		}
		delta := ax.commanded - ax.actual
		move := math.Abs(ax.velocity) * dt.Seconds()
		if move >= math.Abs(delta) {
			ax.actual = ax.commanded
			continue
		}
		if delta > 0 {
			ax.actual += move
		} else {
			ax.actual -= move
		}
	}
}

func (s *Simulator) serve() error {
	buf := make([]byte, 1)
	var req strings.Builder
	for {
		if _, err := s.conn.Read(buf); err != nil {
			if err == io.EOF || err == io.ErrClosedPipe {
				return nil
			}
			return err
		}
		if buf[0] != Terminator {
			req.WriteByte(buf[0])
			continue
		}
		frame := req.String()
		req.Reset()
		if frame == "" {
			// Bare carriage return: the host is resynchronizing.
			s.mu.Lock()
			s.resyncsSeen++
			s.mu.Unlock()
			continue
		}
		reply, ok := s.handle(frame)
		if !ok {
			continue
		}
		if _, err := s.conn.Write([]byte(reply)); err != nil {
			return err
		}
	}
}

func (s *Simulator) handle(frame string) (string, bool) {
	body, err := ValidateFrame(frame)
	if err != nil || !strings.HasPrefix(body, "$") {
		// A real controller ignores garbage and waits at its prompt.
		return "", false
	}
	mnemonic := body[1:]
	var value *float64
	if i := strings.IndexByte(mnemonic, ','); i >= 0 {
		var v float64
		if _, err := fmt.Sscanf(strings.TrimSpace(mnemonic[i+1:]), "%f", &v); err != nil {
			return "", false
		}
		value = &v
		mnemonic = mnemonic[:i]
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests++
	if s.dropAfter > 0 {
		s.dropAfter--
	} else if s.dropReply > 0 {
		s.dropReply--
		return "", false
	}

	if mnemonic == MnemonicRecentFaults {
		return s.faultText + string(FaultTerminator), true
	}

	axis, op := splitMnemonic(mnemonic)
	if axis == "" {
		return "", false
	}
	ax := s.axes[axis]
	var reply string
	switch op {
	case "Stop":
		ax.velocity = 0
		ax.running = false
		reply = "$" + mnemonic
	case "Halt":
		ax.velocity = 0
		ax.running = false
		reply = "$" + mnemonic
	case "Home":
		ax.commanded = 0
		ax.running = true
		ax.velocity = 500000
		reply = "$" + mnemonic
	case "Run":
		ax.running = true
		reply = "$" + mnemonic
	case "Pos":
		if value == nil {
			return "", false
		}
		ax.commanded = *value
		reply = fmt.Sprintf("@%s %.0f", mnemonic, *value)
	case "Vel":
		if value == nil {
			return "", false
		}
		ax.velocity = *value
		reply = fmt.Sprintf("@%s %.0f", mnemonic, *value)
	case "Accel":
		if value == nil {
			return "", false
		}
		ax.accel = *value
		reply = fmt.Sprintf("@%s %.0f", mnemonic, *value)
	case "Status1":
		reply = fmt.Sprintf("@%s %.0f, %.0f", mnemonic, ax.commanded, ax.actual)
	case "Status2":
		reply = fmt.Sprintf("@%s %04X, %04X", mnemonic, ax.word1, ax.word2)
	default:
		return "", false
	}

	if s.swapAxis > 0 {
		s.swapAxis--
		reply = swapAxisToken(reply)
	}
	framed := AppendCRC(reply)
	if s.corruptCRC > 0 {
		s.corruptCRC--
		framed = flipLastCRCDigit(framed)
	}
	return framed + string(Terminator), true
}

func splitMnemonic(mnemonic string) (mount.Axis, string) {
	switch {
	case strings.HasSuffix(mnemonic, "RA"):
		return mount.AxisRA, strings.TrimSuffix(mnemonic, "RA")
	case strings.HasSuffix(mnemonic, "Ra"):
		return mount.AxisRA, strings.TrimSuffix(mnemonic, "Ra")
	case strings.HasSuffix(mnemonic, "Dec"):
		return mount.AxisDec, strings.TrimSuffix(mnemonic, "Dec")
	}
	return "", ""
}

func swapAxisToken(reply string) string {
	if strings.Contains(reply, "Dec") {
		return strings.Replace(reply, "Dec", "RA", 1)
	}
	reply = strings.Replace(reply, "Ra", "Dec", 1)
	return strings.Replace(reply, "RA", "Dec", 1)
}

func flipLastCRCDigit(framed string) string {
	last := framed[len(framed)-1]
	repl := byte('0')
	if last == '0' {
		repl = '1'
	}
	return framed[:len(framed)-1] + string(repl)
}
