// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"mecanum-link/link"
)

// Model of the link HTTP API. Requests passed into LinkAPI have already gone
// through their validate func; errors returned here are mapped to an HTTP
// status by their kind and rendered as a single human-readable string.
type LinkAPI interface {
	ListSerialPorts(req *ListSerialPortsRequest) (*ListSerialPortsResponse, error)
	ConnectSerial(req *ConnectSerialRequest) (*link.ConnectionStatus, error)
	DisconnectSerial(req *DisconnectSerialRequest) (*link.ConnectionStatus, error)
	ConnectionStatus(req *ConnectionStatusRequest) (*link.ConnectionStatus, error)
	SendSerialLine(req *SendSerialLineRequest) (*SendSerialLineResponse, error)
	DeployCode(req *DeployCodeRequest) (*DeployCodeResponse, error)
	ConnectPiBridge(req *ConnectPiBridgeRequest) (*link.BridgeConnectionStatus, error)
	DisconnectPiBridge(req *DisconnectPiBridgeRequest) (*link.BridgeConnectionStatus, error)
	PiBridgeStatus(req *PiBridgeStatusRequest) (*link.BridgeConnectionStatus, error)
	SendMecanumViaPiBridge(req *SendMecanumViaPiBridgeRequest) (*link.BridgeDispatchStatus, error)
	SendMecanumViaSSH(req *SendMecanumViaSSHRequest) (*link.SSHDispatchStatus, error)
	Healthcheck(req *HealthcheckRequest) (*link.HealthReport, error)
	QueryLines(req *QueryLinesRequest) (*QueryLinesResponse, error)
	SetInit(req *SetInitRequest) (*SetInitResponse, error)
	GetInit(req *GetInitRequest) (*GetInitResponse, error)
}

type ListSerialPortsRequest struct {
}

type ListSerialPortsResponse struct {
	Ports []link.PortEntry `json:"ports"`
}

func validateListSerialPorts(req *ListSerialPortsRequest) error {
	return nil
}

type ConnectSerialRequest struct {
	PortName string `json:"port_name"`
	BaudRate *int   `json:"baud_rate,omitempty"` // default 115200
}

func validateConnectSerial(req *ConnectSerialRequest) error {
	if req.PortName == "" {
		return errors.New("port_name cannot be empty")
	}
	if req.BaudRate != nil && *req.BaudRate <= 0 {
		return errors.New("baud_rate must be positive")
	}
	return nil
}

type DisconnectSerialRequest struct {
}

func validateDisconnectSerial(req *DisconnectSerialRequest) error {
	return nil
}

type ConnectionStatusRequest struct {
}

func validateConnectionStatus(req *ConnectionStatusRequest) error {
	return nil
}

type SendSerialLineRequest struct {
	Line string `json:"line"`
}

type SendSerialLineResponse struct {
}

func validateSendSerialLine(req *SendSerialLineRequest) error {
	if strings.Contains(req.Line, "\n") {
		return errors.New("line cannot contain newline")
	}
	return nil
}

type DeployCodeRequest struct {
	Code string `json:"code"`
}

type DeployCodeResponse struct {
	LineCount int `json:"line_count"`
}

func validateDeployCode(req *DeployCodeRequest) error {
	return nil
}

type ConnectPiBridgeRequest struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"`
}

func validateConnectPiBridge(req *ConnectPiBridgeRequest) error {
	return validateBridgeTarget(req.Host, req.Port)
}

func validateBridgeTarget(host string, port int) error {
	if strings.TrimSpace(host) == "" {
		return errors.New("host cannot be empty")
	}
	if port < 1 || port > 65535 {
		return errors.New("port must be in 1..65535")
	}
	return nil
}

type DisconnectPiBridgeRequest struct {
}

func validateDisconnectPiBridge(req *DisconnectPiBridgeRequest) error {
	return nil
}

type PiBridgeStatusRequest struct {
}

func validatePiBridgeStatus(req *PiBridgeStatusRequest) error {
	return nil
}

type SendMecanumViaPiBridgeRequest struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Token      string `json:"token,omitempty"`
	Command    string `json:"command"`
	DurationMS *int   `json:"duration_ms,omitempty"` // default 500, clamped to [0,10000]
}

func validateSendMecanumViaPiBridge(req *SendMecanumViaPiBridgeRequest) error {
	if err := validateBridgeTarget(req.Host, req.Port); err != nil {
		return err
	}
	if req.Command == "" {
		return errors.New("command cannot be empty")
	}
	return nil
}

type SendMecanumViaSSHRequest struct {
	SSHHost     string `json:"ssh_host"`
	SSHUser     string `json:"ssh_user"`
	SSHPassword string `json:"ssh_password,omitempty"`
	SerialPath  string `json:"serial_path"`
	BaudRate    *int   `json:"baud_rate,omitempty"` // default 9600, clamped to [1200,1000000]
	Command     string `json:"command"`
	DurationMS  *int   `json:"duration_ms,omitempty"` // default 500, clamped to [0,10000]
}

func validateSendMecanumViaSSH(req *SendMecanumViaSSHRequest) error {
	if strings.TrimSpace(req.SSHHost) == "" {
		return errors.New("ssh_host cannot be empty")
	}
	if strings.TrimSpace(req.SSHUser) == "" {
		return errors.New("ssh_user cannot be empty")
	}
	if strings.TrimSpace(req.SerialPath) == "" {
		return errors.New("serial_path cannot be empty")
	}
	if req.Command == "" {
		return errors.New("command cannot be empty")
	}
	return nil
}

type HealthcheckRequest struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"token,omitempty"`
}

func validateHealthcheck(req *HealthcheckRequest) error {
	return validateBridgeTarget(req.Host, req.Port)
}

type LineInfo struct {
	LineNum int    `json:"line_num"`
	Dir     string `json:"dir"`     // "up" for device->host, "down" for host->device
	Content string `json:"content"` // content of the line, without newlines
	Time    string `json:"time"`
}

type QueryLinesRequest struct {
	FromLine    *int   `json:"from_line,omitempty"`    // Optional: start from this line number (inclusive), 1-based
	ToLine      *int   `json:"to_line,omitempty"`      // Optional: up to this line number (exclusive), 1-based
	Tail        *int   `json:"tail,omitempty"`         // Optional: get last N lines (overrides from/to)
	FilterDir   string `json:"filter_dir,omitempty"`   // Optional: "up" or "down" direction filter
	FilterRegex string `json:"filter_regex,omitempty"` // Optional: regex filter (RE2 syntax)
}

type QueryLinesResponse struct {
	Count int        `json:"count"` // total number of matching lines
	Lines []LineInfo `json:"lines"` // actual lines (max 1000), ordered by line number (ascending)
	Now   string     `json:"now"`
}

func validateQueryLines(req *QueryLinesRequest) error {
	tailExists := req.Tail != nil
	rangeExists := req.FromLine != nil || req.ToLine != nil

	if tailExists && rangeExists {
		return errors.New("tail: cannot be used together with ranges (from_line, to_line)")
	}
	if rangeExists {
		if req.FromLine != nil && *req.FromLine < 1 {
			return errors.New("from_line: must be >= 1")
		}
		if req.ToLine != nil && *req.ToLine < 1 {
			return errors.New("to_line: must be >= 1")
		}
		if (req.FromLine != nil && req.ToLine != nil) && *req.ToLine < *req.FromLine {
			return errors.New("to_line must be >= from_line")
		}
	}
	if tailExists && *req.Tail < 1 {
		return errors.New("tail: must be >= 1")
	}

	if req.FilterDir != "" && req.FilterDir != "up" && req.FilterDir != "down" {
		return errors.New("filter_dir: must be 'up' or 'down'")
	}

	if req.FilterRegex != "" {
		_, err := regexp.Compile(req.FilterRegex)
		if err != nil {
			return fmt.Errorf("filter_regex: invalid regex %v", err)
		}
	}
	return nil
}

type SetInitRequest struct {
	Lines []string `json:"lines"`
}

type SetInitResponse struct {
}

func validateSetInit(req *SetInitRequest) error {
	for _, line := range req.Lines {
		if strings.Contains(line, "\n") {
			return errors.New("lines: must not contain newline")
		}
	}
	return nil
}

type GetInitRequest struct {
}

type GetInitResponse struct {
	Lines []string `json:"lines"`
}

func validateGetInit(req *GetInitRequest) error {
	return nil
}

// writeAPIError maps the link error taxonomy to an HTTP status and writes the
// message as a plain string body.
func writeAPIError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var validationErr *link.ValidationError
	var notConnectedErr *link.NotConnectedError
	var transportErr *link.TransportError
	var protocolErr *link.ProtocolError
	var subprocessErr *link.SubprocessError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.As(err, &notConnectedErr):
		status = http.StatusConflict
	case errors.As(err, &transportErr), errors.As(err, &protocolErr), errors.As(err, &subprocessErr):
		status = http.StatusBadGateway
	}

	w.WriteHeader(status)
	fmt.Fprint(w, err.Error())
}

func registerJsonHandler[ReqT any, RespT any](path string, validate func(*ReqT) error, exec func(*ReqT) (*RespT, error)) {
	http.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		// Handle CORS and method validation
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		// Decode & validate
		var req ReqT
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid JSON: %v", err)
			return
		}

		err := validate(&req)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid request: %v", err)
			return
		}

		// Execute. Bridge and SSH dispatches legitimately block for the hold
		// duration, so the slow warning fires only well past the clamp limit.
		slowTimer := time.AfterFunc(30*time.Second, func() {
			slog.Warn("API exec taking more than 30 seconds", "path", path)
		})
		resp, err := exec(&req)
		slowTimer.Stop()
		if err != nil {
			writeAPIError(w, err)
			return
		}

		// Send response as JSON
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(resp)
	})
}

func StartHTTPServer(addr string, api LinkAPI, hub *eventHub) error {
	registerJsonHandler("/list-serial-ports", validateListSerialPorts, api.ListSerialPorts)
	registerJsonHandler("/connect-serial", validateConnectSerial, api.ConnectSerial)
	registerJsonHandler("/disconnect-serial", validateDisconnectSerial, api.DisconnectSerial)
	registerJsonHandler("/connection-status", validateConnectionStatus, api.ConnectionStatus)
	registerJsonHandler("/send-serial-line", validateSendSerialLine, api.SendSerialLine)
	registerJsonHandler("/deploy-code", validateDeployCode, api.DeployCode)
	registerJsonHandler("/connect-pi-bridge", validateConnectPiBridge, api.ConnectPiBridge)
	registerJsonHandler("/disconnect-pi-bridge", validateDisconnectPiBridge, api.DisconnectPiBridge)
	registerJsonHandler("/pi-bridge-status", validatePiBridgeStatus, api.PiBridgeStatus)
	registerJsonHandler("/send-mecanum-via-pi-bridge", validateSendMecanumViaPiBridge, api.SendMecanumViaPiBridge)
	registerJsonHandler("/send-mecanum-via-ssh", validateSendMecanumViaSSH, api.SendMecanumViaSSH)
	registerJsonHandler("/healthcheck", validateHealthcheck, api.Healthcheck)
	registerJsonHandler("/query-lines", validateQueryLines, api.QueryLines)
	registerJsonHandler("/set-init", validateSetInit, api.SetInit)
	registerJsonHandler("/get-init", validateGetInit, api.GetInit)
	http.HandleFunc("/events", hub.handleEvents)

	return http.ListenAndServe(addr, nil)
}
