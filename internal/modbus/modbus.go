// Package modbus wraps goburrow/modbus with a reconnecting client for
// the observatory's Modbus peripherals. The enclosure controller hangs
// off a long serial run that drops regularly; the client reopens the
// port and resumes the owner's poll loop without the owner noticing.
package modbus

import (
	"context"
	"log"
	"time"

	"github.com/goburrow/modbus"

	"github.com/rotse3/schier_interface/internal/modbus/modbushttp"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate open a local serial connection.
	Port string
	// BaudRate defaults to 19200.
	BaudRate int
	SlaveID  byte
	// URL connects through an enclosure_proxy instead of local serial.
	URL      string
	Password string

	// Poll is called in a loop while the connection is up. A returned
	// error tears the connection down and starts the reconnect cycle.
	Poll func() error
	// PollInterval paces the poll loop. Defaults to one second.
	PollInterval time.Duration

	handler modbusHandler
	modbus.Client
}

func (c *Client) Connect(ctx context.Context) error {
	if c.BaudRate == 0 {
		c.BaudRate = 19200
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.URL != "" {
		c.handler = modbushttp.NewClient(c.URL, c.Password)
	} else {
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = c.BaudRate
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveID
		c.handler = handler
	}
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

func (c *Client) reconnectLoop(ctx context.Context) {
	port := c.URL
	if port == "" {
		port = c.Port
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		if err := c.handler.Connect(); err != nil {
			log.Printf("opening %q: %v", port, err)
			continue
		}
		if err := c.watch(ctx); err != nil {
			log.Printf("watching %q: %v", port, err)
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	defer c.handler.Close()
	t := time.NewTicker(c.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if err := c.Poll(); err != nil {
			return err
		}
	}
}

// WriteCoil writes a single coil with the Modbus on/off encoding.
func (c *Client) WriteCoil(coil int, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

// BytesToBits unpacks a Modbus bit-field response, LSB first.
func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
