package core

import (
	"context"
	"net"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectorgrp/xcpslave/calseg"
	"github.com/vectorgrp/xcpslave/clock"
	"github.com/vectorgrp/xcpslave/daq"
	"github.com/vectorgrp/xcpslave/protocol"
	"github.com/vectorgrp/xcpslave/queue"
	"github.com/vectorgrp/xcpslave/transport"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	segs := calseg.NewRegistry("EPK_TEST")
	var region [64]byte
	mem := NewMemory(uintptr(unsafe.Pointer(&region[0])), segs)
	table := daq.NewTable(daq.HeaderWidth2, 4, 8, 32)
	events := daq.NewEventTable([]daq.Event{{ID: 0, Index: 0, Name: "10ms", CycleNS: 10_000_000}})
	src := clock.NewMonotonic(clock.UnitMicrosecond)
	q := queue.New(4096)
	return New(q, segs, table, events, src, mem, nil, 248)
}

func TestServerHandleCTOEnqueuesResponse(t *testing.T) {
	s := newTestServer(t)
	s.HandleCTO([]byte{byte(protocol.CmdConnect), 0x00})

	buf := make([]byte, 1024)
	n, _ := s.Queue.TryPeek(buf)
	require.Greater(t, n, 0)
	payload := buf[queue.HeaderSize:n]
	assert.Equal(t, byte(protocol.PidResponse), payload[0])
}

func TestServerEventDoesNotPanicWithoutBoundDaqList(t *testing.T) {
	s := newTestServer(t)
	assert.NotPanics(t, func() {
		s.Event(0, 0, 0)
	})
}

func TestServerRunTCPServesConnectAndShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t)
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunTCP(ctx, server) }()

	clientAdapter := transport.NewTCPAdapter(client)
	require.NoError(t, clientAdapter.WriteMessage([]byte{byte(protocol.CmdConnect), 0x00}))

	resp, err := clientAdapter.ReadCTO()
	require.NoError(t, err)
	require.Greater(t, len(resp), 0)
	assert.Equal(t, byte(protocol.PidResponse), resp[0])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunTCP did not return after cancel")
	}
}
