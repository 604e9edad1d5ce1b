// Command xcpslave runs a standalone XCP slave instance against a
// configured calibration/DAQ layout, listening on either TCP or UDP.
// Command-line handling follows cmd/canopen/main.go's flag + logrus
// idiom, restated for XCP's transport and config file instead of a
// CANopen EDS and socketcan interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vectorgrp/xcpslave/calseg"
	"github.com/vectorgrp/xcpslave/clock"
	"github.com/vectorgrp/xcpslave/core"
	"github.com/vectorgrp/xcpslave/internal/config"
)

var defaultConfigPath = "xcpslave.ini"
var defaultListenAddr = ":5555"

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", defaultConfigPath, "slave configuration .ini file")
	listenAddr := flag.String("a", defaultListenAddr, "listen address host:port")
	transportName := flag.String("t", "tcp", "transport: tcp or udp")
	persistPath := flag.String("store", "", "calibration persistence file (empty disables STORE_CAL_REQ)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config %q: %v", *configPath, err)
	}

	segs, err := cfg.BuildRegistry()
	if err != nil {
		log.Fatalf("build calibration segments: %v", err)
	}

	var store *calseg.Store
	if *persistPath != "" {
		store = calseg.NewStore(*persistPath)
		loaded, skipped, err := store.Load(segs)
		if err != nil {
			log.Fatalf("load persisted calibration: %v", err)
		}
		log.Infof("restored %d calibration segment(s), skipped %d", loaded, skipped)
	}

	table := cfg.BuildTable()
	events := cfg.BuildEventTable()
	src := clock.NewMonotonic(clock.UnitMicrosecond)
	mem := core.NewMemory(uintptr(cfg.BaseAddress), segs)
	q := cfg.BuildQueue()

	srv := core.New(q, segs, table, events, src, mem, store, cfg.MaxDTOLength)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infof("xcpslave listening on %s/%s, EPK=%q", *transportName, *listenAddr, cfg.EPK)

	switch *transportName {
	case "tcp":
		err = serveTCP(ctx, srv, *listenAddr)
	case "udp":
		err = serveUDP(ctx, srv, *listenAddr)
	default:
		log.Fatalf("unknown transport %q, want tcp or udp", *transportName)
	}
	if err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// serveTCP accepts one master connection at a time, the way spec §4.6
// models TCP's own single-peer semantics: a second CONNECT can only
// arrive after the first connection closes.
func serveTCP(ctx context.Context, srv *core.Server, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Infof("master connected from %s", conn.RemoteAddr())
		if err := srv.RunTCP(ctx, conn); err != nil {
			log.Warnf("session ended: %v", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func serveUDP(ctx context.Context, srv *core.Server, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return srv.RunUDP(ctx, conn)
}
