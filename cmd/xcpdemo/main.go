// Command xcpdemo is a small instrumented application exercising
// core.Server end to end, the Go counterpart of original C_Demo/ecu.c:
// a handful of simulated measurement channels updated on a periodic task
// event (10ms unless event 0 configures a cycle period), with their
// backing memory reachable through ABS-addressed MTAs and DAQ entries.
package main

import (
	"context"
	"flag"
	"math"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"

	"github.com/vectorgrp/xcpslave/clock"
	"github.com/vectorgrp/xcpslave/core"
	"github.com/vectorgrp/xcpslave/daq"
	"github.com/vectorgrp/xcpslave/internal/config"
)

// ecuState mirrors C_Demo/ecu.c's EcuTask1ms struct: a couple of signals
// the demo task updates every cycle and a calibration constant that
// scales one of them, all ABS-addressable from this process's own base.
type ecuState struct {
	counter   uint32
	sineWave  float64
	amplitude float64 // calibration constant, ABS-addressable like the signals
}

func main() {
	log.SetLevel(log.InfoLevel)

	configPath := flag.String("c", "xcpdemo.ini", "slave configuration .ini file")
	listenAddr := flag.String("a", ":5555", "listen address host:port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config %q: %v", *configPath, err)
	}

	ecu := &ecuState{amplitude: 1.0}
	base := uintptr(unsafe.Pointer(ecu))

	segs, err := cfg.BuildRegistry()
	if err != nil {
		log.Fatalf("build calibration segments: %v", err)
	}
	table := cfg.BuildTable()
	events := cfg.BuildEventTable()
	src := clock.NewMonotonic(clock.UnitMicrosecond)
	mem := core.NewMemory(base, segs)
	q := cfg.BuildQueue()

	srv := core.New(q, segs, table, events, src, mem, nil, cfg.MaxDTOLength)
	srv.WithSampler(func(ext daq.AddrExt, offset int32, size uint8, dynBase, relBase uintptr, out []byte) bool {
		if ext != daq.ExtAbsolute {
			return false
		}
		return mem.ReadAbs(uint32(offset), out) == nil
	})

	ev, ok := cfg.EventByID(0)
	if !ok {
		log.Fatal("xcpdemo.ini must define an event with ID=0 for the 10ms task")
	}
	period := time.Duration(ev.CyclePeriodNS)
	if period == 0 {
		period = 10 * time.Millisecond
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runTask(ctx, ecu, ev.ID, period, srv)

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	log.Infof("xcpdemo listening on tcp/%s, 10ms task period %s", *listenAddr, period)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Fatalf("accept: %v", err)
		}
		log.Infof("master connected from %s", conn.RemoteAddr())
		if err := srv.RunTCP(ctx, conn); err != nil {
			log.Warnf("session ended: %v", err)
		}
	}
}

// runTask simulates C_Demo/ecu.c's EcuTask1ms: update the instrumented
// variables, then call into the slave so any armed DAQ lists sample them
// and any pending command deferred onto this event's stack can run.
func runTask(ctx context.Context, ecu *ecuState, eventID uint16, period time.Duration, srv *core.Server) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ecu.counter++
			ecu.sineWave = ecu.amplitude * math.Sin(float64(ecu.counter)/50.0)
			srv.Event(eventID, 0, 0)
		}
	}
}
