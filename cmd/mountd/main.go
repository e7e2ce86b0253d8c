// Command mountd is the mount control daemon: it owns the serial line
// to the drive controller, runs the motion supervisor, and exposes an
// HTTP/websocket status API plus a line-based TCP control socket for
// scheduler scripts.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rotse3/schier_interface/enclosure"
	"github.com/rotse3/schier_interface/internal/config"
	"github.com/rotse3/schier_interface/schier"
	"github.com/rotse3/schier_interface/supervisor"
)

var (
	configPath = flag.String("config", "mountd.yaml", "configuration file")
	simulate   = flag.Bool("simulate", false, "use a simulated controller instead of the serial port")
)

func main() {
	flag.Parse()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	var comm *schier.Comm
	if *simulate {
		sim, conn := schier.NewSimulator()
		go sim.Run(ctx)
		comm = schier.New(conn, cfg.SchierConfig())
		log.Print("running against simulated controller")
	} else {
		comm, err = schier.Dial(cfg.Serial.Port, cfg.Serial.Baud, cfg.SchierConfig())
		if err != nil {
			log.Fatal(err)
		}
	}
	defer comm.Close()

	sup, err := supervisor.New(comm, cfg.SupervisorConfig())
	if err != nil {
		log.Fatal(err)
	}

	srv := NewServer(sup, cfg.PointingSite())

	if cfg.Enclosure.Port != "" || cfg.Enclosure.URL != "" {
		enc, err := enclosure.Connect(ctx, enclosure.Config{
			Port:     cfg.Enclosure.Port,
			Baud:     cfg.Enclosure.Baud,
			URL:      cfg.Enclosure.URL,
			Password: cfg.Enclosure.Password,
		}, srv.enclosureCallback)
		if err != nil {
			log.Fatal(err)
		}
		sup.SetInterlock(enc)
		srv.enclosure = enc
	}

	if err := sup.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer sup.Close()
	go srv.watchStatus(ctx)

	if cfg.Listen.Control != "" {
		if err := srv.ListenControl(ctx, cfg.Listen.Control); err != nil {
			log.Fatal(err)
		}
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/status", srv.StatusHandler)
	r.HandleFunc("/api/ws", srv.StatusSocketHandler)
	httpSrv := &http.Server{
		Handler:      r,
		Addr:         cfg.Listen.HTTP,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	log.Printf("listening on %v", httpSrv.Addr)
	log.Fatal(httpSrv.ListenAndServe())
}
