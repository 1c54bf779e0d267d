// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package link

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Per-read timeout of the background reader. Short so a cancel signal is
// observed promptly; a timed-out read is an idle state, not an error.
const serialReadTimeout = 120 * time.Millisecond

// TrafficHandler observes serial traffic. LineRecv is pushed each decoded
// line (trimmed, non-empty) from the background reader, independently of any
// RPC call. LineSent is called after a line has definitely been written and
// flushed to the device.
type TrafficHandler interface {
	LineSent(line string)
	LineRecv(line string)
}

// devicePort is the subset of serial.Port the session manager uses.
type devicePort interface {
	io.ReadWriteCloser
	Drain() error
	SetReadTimeout(t time.Duration) error
}

var openPort = func(portName string, mode *serial.Mode) (devicePort, error) {
	return serial.Open(portName, mode)
}

// SerialSession owns one open serial device. The port is guarded by mu for
// writes; the background reader holds its own reference and exits when the
// one-shot stop signal fires or the port errors out.
type SerialSession struct {
	mu       sync.Mutex
	port     devicePort
	stop     chan struct{}
	portName string
}

// cancel signals the reader to stop (best-effort, non-blocking; ignored if
// the reader already exited) and closes the device.
func (s *SerialSession) cancel() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
	s.mu.Lock()
	s.port.Close()
	s.mu.Unlock()
}

// ConnectionStatus is the read-only projection of the serial slot.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	PortName  string `json:"port_name,omitempty"`
}

// SerialManager owns the store's serial slot and the traffic wiring.
type SerialManager struct {
	store   *Store
	handler TrafficHandler
}

func NewSerialManager(store *Store, handler TrafficHandler) *SerialManager {
	return &SerialManager{store: store, handler: handler}
}

// Connect opens the named device, starts the background reader and installs
// the session, evicting any previous one.
func (m *SerialManager) Connect(portName string, baud int) (ConnectionStatus, error) {
	if baud == 0 {
		baud = 115200
	}

	port, err := openPort(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return ConnectionStatus{}, &TransportError{Op: fmt.Sprintf("failed to open serial port %s", portName), Err: err}
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return ConnectionStatus{}, &TransportError{Op: fmt.Sprintf("failed to configure serial port %s", portName), Err: err}
	}
	slog.Info("Opened serial port", "port", portName, "baud", baud)

	sess := &SerialSession{
		port:     port,
		stop:     make(chan struct{}, 1),
		portName: portName,
	}
	go m.readLoop(port, sess.stop)
	m.store.swapSerial(sess)

	return ConnectionStatus{Connected: true, PortName: portName}, nil
}

// readLoop frames incoming bytes into lines and forwards them to the traffic
// handler. A hard read error is reported as a synthetic line, since no caller
// is synchronously waiting on this goroutine.
func (m *SerialManager) readLoop(port devicePort, stop chan struct{}) {
	slog.Debug("Starting serial read goroutine")
	buf := make([]byte, 512)
	pending := ""

	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-stop:
				// Session was evicted; the error is just the closed port.
				return
			default:
			}
			m.handler.LineRecv(fmt.Sprintf("ERR SERIAL_READ %v", err))
			return
		}
		if n == 0 {
			// Read timeout; idle.
			continue
		}

		pending += string(buf[:n])
		for {
			idx := strings.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			raw := strings.TrimSpace(pending[:idx])
			pending = pending[idx+1:]
			if raw != "" {
				m.handler.LineRecv(raw)
			}
		}
	}
}

// Disconnect cancels and clears the slot. Idempotent.
func (m *SerialManager) Disconnect() ConnectionStatus {
	m.store.swapSerial(nil)
	return ConnectionStatus{Connected: false}
}

// Status reports the current slot without touching the device.
func (m *SerialManager) Status() ConnectionStatus {
	sess := m.store.SerialSession()
	if sess == nil {
		return ConnectionStatus{Connected: false}
	}
	return ConnectionStatus{Connected: true, PortName: sess.portName}
}

// SendLine writes one trimmed, newline-terminated line to the device.
func (m *SerialManager) SendLine(text string) error {
	sess := m.store.SerialSession()
	if sess == nil {
		return &NotConnectedError{What: "serial"}
	}

	trimmed := strings.TrimSpace(text)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if _, err := sess.port.Write([]byte(trimmed + "\n")); err != nil {
		return &TransportError{Op: "serial write failed", Err: err}
	}
	if err := sess.port.Drain(); err != nil {
		return &TransportError{Op: "serial flush failed", Err: err}
	}
	m.handler.LineSent(trimmed)
	slog.Debug("Sent", "line", trimmed)
	return nil
}

// splitCodeLines normalizes CRLF and splits into lines the way the upload
// protocol counts them: a single trailing newline does not produce an empty
// trailing line.
func splitCodeLines(code string) []string {
	normalized := strings.ReplaceAll(code, "\r\n", "\n")
	normalized = strings.TrimSuffix(normalized, "\n")
	if normalized == "" {
		return nil
	}
	return strings.Split(normalized, "\n")
}

// DeployCode sends a framed batch upload over the line transport: a header
// carrying the line count, one CODE line per source line (1-indexed, trailing
// whitespace stripped), and a terminator. The receiver buffers until it sees
// END_CODE_UPLOAD. The whole frame goes out under one writer lock acquisition
// with a single flush at the end. Returns the number of lines sent.
func (m *SerialManager) DeployCode(code string) (int, error) {
	lines := splitCodeLines(code)
	if len(lines) == 0 {
		return 0, validationErrorf("no code content to deploy")
	}

	sess := m.store.SerialSession()
	if sess == nil {
		return 0, &NotConnectedError{What: "serial"}
	}

	frame := make([]string, 0, len(lines)+2)
	frame = append(frame, fmt.Sprintf("BEGIN_CODE_UPLOAD %d", len(lines)))
	for i, line := range lines {
		frame = append(frame, fmt.Sprintf("CODE %d %s", i+1, strings.TrimRight(line, " \t\r")))
	}
	frame = append(frame, "END_CODE_UPLOAD")

	sess.mu.Lock()
	defer sess.mu.Unlock()

	for _, wire := range frame {
		if _, err := sess.port.Write([]byte(wire + "\n")); err != nil {
			return 0, &TransportError{Op: "serial write failed", Err: err}
		}
	}
	if err := sess.port.Drain(); err != nil {
		return 0, &TransportError{Op: "serial flush failed", Err: err}
	}
	for _, wire := range frame {
		m.handler.LineSent(wire)
	}

	slog.Info("Deployed code to device", "lines", len(lines))
	return len(lines), nil
}
