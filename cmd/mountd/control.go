package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rotse3/schier_interface/pointing"
)

// ListenControl starts the line-based TCP control socket the scheduler
// scripts drive. One command per line, space-separated arguments; every
// command answers either "OK ..." or "ERR <reason>".
func (s *Server) ListenControl(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		log.Print("shutdown; closing control socket")
		ln.Close()
	}()
	go func() {
		for ctx.Err() == nil {
			conn, err := ln.Accept()
			if err != nil {
				log.Printf("failed to accept: %v", err)
				continue
			}
			go s.handleControl(ctx, conn)
		}
	}()
	log.Printf("control socket on %v", addr)
	return nil
}

func (s *Server) handleControl(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Printf("accepted control connection from %v", conn.RemoteAddr())
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]
		log.Printf("%v command: %q args: %v", conn.RemoteAddr(), cmd, args)
		if cmd == "quit" {
			fmt.Fprintln(conn, "OK bye")
			return
		}
		reply, err := s.controlCommand(ctx, cmd, args)
		if err != nil {
			fmt.Fprintf(conn, "ERR %v\n", err)
			continue
		}
		if reply == "" {
			reply = "OK"
		}
		fmt.Fprintln(conn, reply)
	}
	if err := scanner.Err(); err != nil {
		log.Printf("reading from %v: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) controlCommand(ctx context.Context, cmd string, args []string) (string, error) {
	switch cmd {
	case "goto", "park":
		coords, err := parseFloats(args, 2, 3)
		if err != nil {
			return "", err
		}
		mode := "normal"
		if len(args) == 3 {
			mode = args[2]
		}
		msg := Command{Command: cmd, HA: coords[0], Dec: coords[1], Mode: mode}
		return "", s.dispatch(ctx, msg)
	case "radec", "radec_track":
		coords, err := parseFloats(args, 2, 3)
		if err != nil {
			return "", err
		}
		wsCmd := "radec_goto"
		if cmd == "radec_track" {
			wsCmd = "radec_track"
		}
		mode := "normal"
		if len(args) == 3 {
			mode = args[2]
		}
		return "", s.dispatch(ctx, Command{Command: wsCmd, RA: coords[0], Dec: coords[1], Mode: mode})
	case "track":
		rate := 1.0
		if len(args) == 1 {
			var err error
			if rate, err = strconv.ParseFloat(args[0], 64); err != nil {
				return "", fmt.Errorf("bad rate %q", args[0])
			}
		} else if len(args) > 1 {
			return "", fmt.Errorf("usage: track [rate]")
		}
		return "", s.dispatch(ctx, Command{Command: "track", Rate: rate})
	case "shift":
		offs, err := parseFloats(args, 2, 2)
		if err != nil {
			return "", err
		}
		return "", s.dispatch(ctx, Command{Command: "shift", DHA: offs[0], DDec: offs[1]})
	case "stop", "unpark", "home", "initialize", "recover", "open_clamshell", "close_clamshell":
		return "", s.dispatch(ctx, Command{Command: cmd})
	case "status":
		s.statusMu.RLock()
		st := s.status
		s.statusMu.RUnlock()
		m := st.Mount
		return fmt.Sprintf("OK state=%s pier=%s ha=%.6f dec=%.6f tracking=%q",
			m.State, m.PierSide, m.CurrentHA, m.CurrentDec, m.TrackingMode), nil
	case "pos":
		s.statusMu.RLock()
		m := s.status.Mount
		s.statusMu.RUnlock()
		return fmt.Sprintf("OK %.6f %.6f", m.CurrentHA, m.CurrentDec), nil
	case "radec_pos":
		s.statusMu.RLock()
		m := s.status.Mount
		s.statusMu.RUnlock()
		ra, dec, err := pointing.J2000FromApparent(m.CurrentHA, m.CurrentDec, time.Now(), s.site)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("OK %.6f %.6f", ra, dec), nil
	case "faults":
		text, err := s.sup.RecentFaults(ctx)
		if err != nil {
			return "", err
		}
		return "OK " + text, nil
	default:
		return "", fmt.Errorf("unknown command %q", cmd)
	}
}

func parseFloats(args []string, min, max int) ([]float64, error) {
	if len(args) < min || len(args) > max {
		return nil, fmt.Errorf("expected %d to %d arguments, got %d", min, max, len(args))
	}
	out := make([]float64, 0, len(args))
	for _, a := range args[:min] {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", a)
		}
		out = append(out, v)
	}
	return out, nil
}
