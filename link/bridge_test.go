package link

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// bridgeServer is a scripted in-process bridge peer on 127.0.0.1. Every
// accepted connection and decoded request is recorded; the reply func decides
// the response line (empty string means close without replying).
type bridgeServer struct {
	ln    net.Listener
	reply func(req bridgeRequest) (line string, closeAfter bool)

	mu    sync.Mutex
	conns int
	reqs  []bridgeRequest
}

func startBridgeServer(t *testing.T, reply func(bridgeRequest) (string, bool)) *bridgeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	s := &bridgeServer{ln: ln, reply: reply}
	go s.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *bridgeServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *bridgeServer) serve(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		var req bridgeRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			return
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, req)
		s.mu.Unlock()

		line, closeAfter := s.reply(req)
		if line != "" {
			if _, err := conn.Write([]byte(line + "\n")); err != nil {
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

func (s *bridgeServer) hostPort(t *testing.T) (string, int) {
	t.Helper()
	addr, ok := s.ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener address type %T", s.ln.Addr())
	}
	return "127.0.0.1", addr.Port
}

func (s *bridgeServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *bridgeServer) lastRequest(t *testing.T) bridgeRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		t.Fatal("no requests recorded")
	}
	return s.reqs[len(s.reqs)-1]
}

func replyOK(bridgeRequest) (string, bool) {
	return `{"ok":true}`, false
}

func TestDispatchReusesMatchingSession(t *testing.T) {
	srv := startBridgeServer(t, replyOK)
	host, port := srv.hostPort(t)
	m := NewBridgeManager(NewStore())

	for range 3 {
		if _, err := m.Dispatch(host, port, "tok", "F", 100); err != nil {
			t.Fatalf("dispatch failed: %v", err)
		}
	}
	if got := srv.connCount(); got != 1 {
		t.Fatalf("expected 1 connection across repeated dispatches, got %d", got)
	}

	// Token change must force a new session.
	if _, err := m.Dispatch(host, port, "other", "F", 100); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if got := srv.connCount(); got != 2 {
		t.Fatalf("expected reconnect on token change, got %d connections", got)
	}
}

func TestDispatchNormalizesAndClamps(t *testing.T) {
	srv := startBridgeServer(t, replyOK)
	host, port := srv.hostPort(t)
	m := NewBridgeManager(NewStore())

	status, err := m.Dispatch(host, port, " tok ", " f ", 99999)
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if status.Command != "F" {
		t.Fatalf("expected normalized command F, got %q", status.Command)
	}
	if status.DurationMS != 10000 {
		t.Fatalf("expected clamped duration 10000, got %d", status.DurationMS)
	}

	req := srv.lastRequest(t)
	if req.Cmd != "F" || req.DurationMS != 10000 || req.Token != "tok" {
		t.Fatalf("peer observed unexpected request: %+v", req)
	}
}

func TestDispatchRejectedByPeer(t *testing.T) {
	srv := startBridgeServer(t, func(bridgeRequest) (string, bool) {
		return `{"ok":false,"error":"busy"}`, false
	})
	host, port := srv.hostPort(t)
	m := NewBridgeManager(NewStore())

	_, err := m.Dispatch(host, port, "", "F", 100)
	var protocol *ProtocolError
	if !errors.As(err, &protocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected peer reason in error, got %q", err.Error())
	}
}

func TestDispatchInvalidPeerJSON(t *testing.T) {
	srv := startBridgeServer(t, func(bridgeRequest) (string, bool) {
		return "garbage", false
	})
	host, port := srv.hostPort(t)
	m := NewBridgeManager(NewStore())

	_, err := m.Dispatch(host, port, "", "F", 100)
	var protocol *ProtocolError
	if !errors.As(err, &protocol) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestDispatchSelfHealsAfterPeerClose(t *testing.T) {
	var dropNext atomic.Bool
	srv := startBridgeServer(t, func(req bridgeRequest) (string, bool) {
		if dropNext.Load() {
			return "", true
		}
		return `{"ok":true}`, false
	})
	host, port := srv.hostPort(t)
	m := NewBridgeManager(NewStore())

	if _, err := m.Dispatch(host, port, "tok", "F", 100); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}

	dropNext.Store(true)
	_, err := m.Dispatch(host, port, "tok", "F", 100)
	var transport *TransportError
	if !errors.As(err, &transport) {
		t.Fatalf("expected TransportError on peer close, got %v", err)
	}
	if !strings.Contains(err.Error(), "closed") {
		t.Fatalf("expected closed-connection error, got %q", err.Error())
	}
	if m.Status().Connected {
		t.Fatal("dead session must be dropped from the store")
	}

	// Next dispatch transparently reconnects.
	dropNext.Store(false)
	if _, err := m.Dispatch(host, port, "tok", "F", 100); err != nil {
		t.Fatalf("dispatch after reconnect failed: %v", err)
	}
	if got := srv.connCount(); got != 2 {
		t.Fatalf("expected 2 connections total, got %d", got)
	}
}

func TestDispatchEmptyHost(t *testing.T) {
	m := NewBridgeManager(NewStore())

	_, err := m.Dispatch("   ", 1234, "", "F", 100)
	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestConnectAndStatus(t *testing.T) {
	srv := startBridgeServer(t, replyOK)
	host, port := srv.hostPort(t)
	m := NewBridgeManager(NewStore())

	status, err := m.Connect(host, port, "tok")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if !status.Connected || !strings.HasPrefix(status.Target, "127.0.0.1:") {
		t.Fatalf("unexpected status: %+v", status)
	}
	if got := m.Status(); !got.Connected || got.Target != status.Target {
		t.Fatalf("status mismatch: %+v vs %+v", got, status)
	}

	if got := m.Disconnect(); got.Connected {
		t.Fatalf("expected disconnected status, got %+v", got)
	}
	if m.Status().Connected {
		t.Fatal("status still reports connected")
	}
}

func TestHealthcheckProbesWithStopCommand(t *testing.T) {
	srv := startBridgeServer(t, replyOK)
	host, port := srv.hostPort(t)
	m := NewBridgeManager(NewStore())

	report := m.Healthcheck(host, port, "tok")
	if !report.OK {
		t.Fatalf("expected healthy report, got %+v", report)
	}
	if len(report.Addrs) == 0 {
		t.Fatal("expected resolved addresses in report")
	}

	req := srv.lastRequest(t)
	if req.Cmd != "S" || req.DurationMS != 0 {
		t.Fatalf("healthcheck must probe with a zero-hold stop, got %+v", req)
	}
	// The probe uses a throwaway connection and never installs a session.
	if m.Status().Connected {
		t.Fatal("healthcheck must not install a session")
	}
}

func TestHealthcheckUnreachable(t *testing.T) {
	// Grab a port and close it again so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	m := NewBridgeManager(NewStore())
	report := m.Healthcheck("127.0.0.1", port, "")
	if report.OK {
		t.Fatal("expected unhealthy report")
	}
	if report.Error == "" {
		t.Fatal("expected an error description")
	}
}
