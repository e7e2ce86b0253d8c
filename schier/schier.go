package schier

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/rotse3/schier_interface/mount"
)

// CatastrophicFaultMarker flags a fault-history entry that means the
// drive has lost the axis. Its presence is a fatal safety condition, not
// telemetry.
const CatastrophicFaultMarker = "FATAL"

// Config carries the transport tuning knobs. Zero values take the
// defaults below.
type Config struct {
	// Timeout bounds one request-reply exchange.
	Timeout time.Duration
	// FaultTimeout bounds the slower fault-history query.
	FaultTimeout time.Duration
	// Retries is the number of additional attempts after a failed
	// exchange.
	Retries int
	// Backoff is the pause between attempts.
	Backoff time.Duration
	// ResyncDelay is how long to let the controller flush junk after a
	// forced resynchronization.
	ResyncDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = time.Second
	}
	if c.FaultTimeout == 0 {
		c.FaultTimeout = 5 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Backoff == 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.ResyncDelay == 0 {
		c.ResyncDelay = 50 * time.Millisecond
	}
	return c
}

// Comm owns one request-reply serial line. The controller has no
// pipelining; a mutex keeps exactly one exchange in flight.
type Comm struct {
	cfg  Config
	conn io.ReadWriteCloser

	mu sync.Mutex

	in       chan byte
	readDone chan struct{}

	resyncs int
}

// Dial opens a serial port and returns a Comm speaking over it.
func Dial(port string, baud int, cfg Config) (*Comm, error) {
	s, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
	if err != nil {
		return nil, mount.WrapError(mount.ErrConnection, err, "opening "+port)
	}
	log.Printf("opened %q", port)
	return New(s, cfg), nil
}

// New wraps an open byte stream. Used directly by tests over net.Pipe.
func New(conn io.ReadWriteCloser, cfg Config) *Comm {
	c := &Comm{
		cfg:      cfg.withDefaults(),
		conn:     conn,
		in:       make(chan byte, 4096),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Comm) Close() error {
	err := c.conn.Close()
	<-c.readDone
	return err
}

func (c *Comm) readLoop() {
	defer close(c.readDone)
	buf := make([]byte, 256)
	for {
		n, err := c.conn.Read(buf)
		for _, b := range buf[:n] {
			select {
			case c.in <- b:
			default:
				// Overrun between commands; the pre-send drain recovers.
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("reading serial port: %v", err)
			}
			return
		}
	}
}

// Send issues one command and returns the data portion of its validated
// reply. The input buffer is cleared before every write; timeout, CRC
// mismatch, and axis-echo mismatch are each retried after a
// resynchronization, up to the configured bound.
func (c *Comm) Send(ctx context.Context, mnemonic string, value ...int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send(ctx, mnemonic, value...)
}

func (c *Comm) send(ctx context.Context, mnemonic string, value ...int64) (string, error) {
	frame := BuildCommand(mnemonic, value...)
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			c.resync()
			select {
			case <-ctx.Done():
				return "", mount.WrapError(mount.ErrConnection, ctx.Err(), mnemonic)
			case <-time.After(c.cfg.Backoff):
			}
		}
		c.drainInput()
		if _, err := c.conn.Write([]byte(frame)); err != nil {
			lastErr = err
			continue
		}
		raw, err := c.readUntil(ctx, Terminator, c.cfg.Timeout)
		if err != nil {
			if ctx.Err() != nil {
				return "", mount.WrapError(mount.ErrConnection, ctx.Err(), mnemonic)
			}
			lastErr = err
			continue
		}
		body, err := ValidateFrame(strings.TrimSpace(raw))
		if err != nil {
			lastErr = err
			continue
		}
		if err := CheckEcho(mnemonic, body); err != nil {
			lastErr = err
			continue
		}
		return StripDecoration(body), nil
	}
	return "", &mount.Error{
		Kind: mount.ErrConnection,
		Msg:  mnemonic + " failed after retries",
		Err:  lastErr,
	}
}

// resync forces the controller's parser back to its prompt: flush both
// directions, send a bare carriage return, and discard whatever junk the
// controller emits before the next attempt.
func (c *Comm) resync() {
	c.resyncs++
	c.drainInput()
	if _, err := c.conn.Write([]byte{Terminator}); err != nil {
		log.Printf("resync write: %v", err)
		return
	}
	time.Sleep(c.cfg.ResyncDelay)
	c.drainInput()
}

// Resyncs reports how many resynchronizations this Comm has performed.
func (c *Comm) Resyncs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resyncs
}

func (c *Comm) drainInput() {
	for {
		select {
		case <-c.in:
		default:
			return
		}
	}
}

func (c *Comm) readUntil(ctx context.Context, term byte, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", mount.WrapError(mount.ErrConnection, ctx.Err(), "read interrupted")
		case <-timer.C:
			return "", mount.Errorf(mount.ErrConnection, "timeout after %v waiting for %q", timeout, string(term))
		case b := <-c.in:
			if b == term {
				return sb.String(), nil
			}
			sb.WriteByte(b)
		}
	}
}

// RecentFaults retrieves the drive's fault history. The reply is free
// text terminated by ';' with no CRC. A catastrophic marker in the text
// is surfaced as a fatal safety error rather than returned as telemetry.
func (c *Comm) RecentFaults(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drainInput()
	frame := BuildCommand(MnemonicRecentFaults)
	if _, err := c.conn.Write([]byte(frame)); err != nil {
		return "", mount.WrapError(mount.ErrConnection, err, "fault query write")
	}
	raw, err := c.readUntil(ctx, FaultTerminator, c.cfg.FaultTimeout)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(raw)
	if strings.Contains(strings.ToUpper(text), CatastrophicFaultMarker) {
		return "", &mount.Error{
			Kind:      mount.ErrSafety,
			FaultBits: []string{"catastrophic_fault"},
			Msg:       "catastrophic fault in drive history: " + text,
		}
	}
	return text, nil
}
