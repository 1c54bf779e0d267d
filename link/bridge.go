// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package link

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	bridgeConnectTimeout = 2 * time.Second
	bridgeWriteTimeout   = 2 * time.Second
	// Applied at connect time; each dispatch overrides it with the
	// duration-dependent deadline before the exchange.
	bridgeInitialReadTimeout = 20 * time.Second
	// Slack on top of the peer's expected hold time. The peer sleeps for
	// duration_ms before replying, so the read deadline must always exceed
	// that plus network latency.
	bridgeReadSlack = 7 * time.Second
)

var lookupHost = net.LookupHost

// BridgeSession owns one live TCP connection to a bridge peer. The connection
// is exclusively owned: mu is held for the whole request/response turn so
// concurrent dispatches cannot interleave.
type BridgeSession struct {
	target string
	host   string
	port   int
	token  string

	mu   sync.Mutex
	conn net.Conn
	rd   *bufio.Reader
}

func (s *BridgeSession) close() {
	s.mu.Lock()
	s.conn.Close()
	s.mu.Unlock()
}

func (s *BridgeSession) matches(host string, port int, token string) bool {
	return s.host == host && s.port == port && s.token == token
}

// BridgeConnectionStatus is the read-only projection of the bridge slot.
type BridgeConnectionStatus struct {
	Connected bool   `json:"connected"`
	Target    string `json:"target,omitempty"`
}

// BridgeDispatchStatus describes one successful bridge dispatch.
type BridgeDispatchStatus struct {
	Target     string `json:"target"`
	Command    string `json:"command"`
	DurationMS int    `json:"duration_ms"`
}

type bridgeRequest struct {
	Token      string `json:"token"`
	Cmd        string `json:"cmd"`
	DurationMS int    `json:"duration_ms"`
}

type bridgeResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// BridgeManager owns the store's bridge slot.
type BridgeManager struct {
	store *Store
}

func NewBridgeManager(store *Store) *BridgeManager {
	return &BridgeManager{store: store}
}

// dial resolves host and attempts each address in order with a bounded
// connect timeout. The first success wins; if all fail the last dial error
// is reported.
func dial(host string, port int) (net.Conn, error) {
	addrs, err := lookupHost(host)
	if err != nil {
		return nil, &TransportError{Op: fmt.Sprintf("failed to resolve %s:%d", host, port), Err: err}
	}
	if len(addrs) == 0 {
		return nil, &TransportError{Op: fmt.Sprintf("no addresses found for %s:%d", host, port)}
	}

	var lastErr error
	for _, addr := range addrs {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(addr, strconv.Itoa(port)), bridgeConnectTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, &TransportError{Op: fmt.Sprintf("connect to %s:%d failed", host, port), Err: lastErr}
}

// connect establishes a new session without touching the store.
func (m *BridgeManager) connect(host string, port int, token string) (*BridgeSession, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, validationErrorf("host cannot be empty")
	}

	conn, err := dial(host, port)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		// Commands are tiny; coalescing only adds latency.
		tcp.SetNoDelay(true)
	}
	conn.SetReadDeadline(time.Now().Add(bridgeInitialReadTimeout))

	sess := &BridgeSession{
		target: fmt.Sprintf("%s:%d", host, port),
		host:   host,
		port:   port,
		token:  token,
		conn:   conn,
		rd:     bufio.NewReader(conn),
	}
	slog.Info("Connected to bridge", "target", sess.target)
	return sess, nil
}

// Connect establishes a session and installs it, evicting any previous one.
func (m *BridgeManager) Connect(host string, port int, token string) (BridgeConnectionStatus, error) {
	sess, err := m.connect(host, port, strings.TrimSpace(token))
	if err != nil {
		return BridgeConnectionStatus{}, err
	}
	m.store.swapBridge(sess)
	return BridgeConnectionStatus{Connected: true, Target: sess.target}, nil
}

// Disconnect drops the slot. Idempotent; no close handshake.
func (m *BridgeManager) Disconnect() BridgeConnectionStatus {
	m.store.swapBridge(nil)
	return BridgeConnectionStatus{Connected: false}
}

// Status reports the current slot.
func (m *BridgeManager) Status() BridgeConnectionStatus {
	sess := m.store.BridgeSession()
	if sess == nil {
		return BridgeConnectionStatus{Connected: false}
	}
	return BridgeConnectionStatus{Connected: true, Target: sess.target}
}

// Dispatch sends one timed mecanum command through the bridge. An existing
// session is reused when (host, port, token) match exactly, amortizing the
// connect latency across repeated dispatches to the same peer; otherwise the
// old session is torn down and a new one established.
func (m *BridgeManager) Dispatch(host string, port int, token, command string, durationMS int) (BridgeDispatchStatus, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return BridgeDispatchStatus{}, validationErrorf("host cannot be empty")
	}
	cmd, err := NormalizeCommand(command)
	if err != nil {
		return BridgeDispatchStatus{}, err
	}
	hold := ClampDuration(durationMS)
	token = strings.TrimSpace(token)

	sess := m.store.BridgeSession()
	if sess == nil || !sess.matches(host, port, token) {
		sess, err = m.connect(host, port, token)
		if err != nil {
			return BridgeDispatchStatus{}, err
		}
		m.store.swapBridge(sess)
	}

	if err := m.exchange(sess, cmd, hold, true); err != nil {
		return BridgeDispatchStatus{}, err
	}
	return BridgeDispatchStatus{
		Target:     sess.target,
		Command:    string(cmd),
		DurationMS: hold,
	}, nil
}

// exchange performs one request/response turn under the session lock. When
// stored is true, a dead connection (EOF or read error) is dropped from the
// store so the next dispatch transparently reconnects.
func (m *BridgeManager) exchange(sess *BridgeSession, cmd byte, holdMS int, stored bool) error {
	wire, err := json.Marshal(bridgeRequest{Token: sess.token, Cmd: string(cmd), DurationMS: holdMS})
	if err != nil {
		return &ProtocolError{Reason: fmt.Sprintf("failed to encode bridge request: %v", err)}
	}
	wire = append(wire, '\n')

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.conn.SetReadDeadline(time.Now().Add(time.Duration(holdMS)*time.Millisecond + bridgeReadSlack))
	sess.conn.SetWriteDeadline(time.Now().Add(bridgeWriteTimeout))
	if _, err := sess.conn.Write(wire); err != nil {
		return &TransportError{Op: "bridge write failed", Err: err}
	}

	line, err := sess.rd.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if stored {
			m.store.dropBridge(sess)
		}
		if err == io.EOF {
			// Peer closed; the next call reconnects.
			return &TransportError{Op: "bridge connection closed"}
		}
		return &TransportError{Op: "bridge read failed", Err: err}
	}

	var resp bridgeResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		return &ProtocolError{Reason: "bridge returned invalid JSON"}
	}
	if !resp.OK {
		reason := resp.Error
		if reason == "" {
			reason = "bridge error"
		}
		return &ProtocolError{Reason: "bridge rejected command: " + reason}
	}
	return nil
}

// HealthReport is the result of a one-shot bridge probe.
type HealthReport struct {
	OK     bool     `json:"ok"`
	Target string   `json:"target"`
	Addrs  []string `json:"addrs,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Healthcheck resolves the peer, opens a throwaway connection and performs a
// safe roundtrip (stop command, zero hold). The stored session is untouched.
func (m *BridgeManager) Healthcheck(host string, port int, token string) HealthReport {
	host = strings.TrimSpace(host)
	report := HealthReport{Target: fmt.Sprintf("%s:%d", host, port)}
	if host == "" {
		report.Error = "host cannot be empty"
		return report
	}

	if addrs, err := lookupHost(host); err == nil {
		report.Addrs = addrs
	}

	sess, err := m.connect(host, port, strings.TrimSpace(token))
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer sess.close()

	if err := m.exchange(sess, 'S', 0, false); err != nil {
		report.Error = err.Error()
		return report
	}
	report.OK = true
	return report
}
