// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"flag"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"mecanum-link/link"
)

// apiImpl wires the link managers to the HTTP surface and records all serial
// traffic. It doubles as the serial TrafficHandler: every line sent or
// received is numbered, stored, appended to the traffic log and published to
// the SSE stream.
type apiImpl struct {
	serial *link.SerialManager
	bridge *link.BridgeManager

	lineMu      sync.Mutex
	nextLineNum int

	lineDB   *LineDB
	traffic  *TrafficLog
	hub      *eventHub
	initFile string
}

// addLineAtomic assigns the next line number and records the line everywhere
// under one lock, so numbering stays gapless and ordered across goroutines.
func (api *apiImpl) addLineAtomic(dir string, content string) {
	api.lineMu.Lock()
	defer api.lineMu.Unlock()

	num := api.nextLineNum
	api.nextLineNum++
	api.lineDB.AddLine(num, dir, content)
	api.traffic.AddLine(num, dir, content)
}

func (api *apiImpl) LineSent(line string) {
	api.addLineAtomic(dirDown, line)
}

func (api *apiImpl) LineRecv(line string) {
	slog.Debug("Received", "line", line)
	api.addLineAtomic(dirUp, line)
	api.hub.publish(line)
}

func (api *apiImpl) ListSerialPorts(req *ListSerialPortsRequest) (*ListSerialPortsResponse, error) {
	ports, err := link.ListSerialPorts()
	if err != nil {
		return nil, err
	}
	return &ListSerialPortsResponse{Ports: ports}, nil
}

func (api *apiImpl) ConnectSerial(req *ConnectSerialRequest) (*link.ConnectionStatus, error) {
	baud := 115200
	if req.BaudRate != nil {
		baud = *req.BaudRate
	}

	status, err := api.serial.Connect(req.PortName, baud)
	if err != nil {
		return nil, err
	}

	// Best-effort: a broken init file or a device that rejects a line should
	// not undo an otherwise good connection.
	initLines, err := fetchInitLines(api.initFile)
	if err != nil {
		slog.Warn("Failed to read init file, skipping init", "error", err)
		return &status, nil
	}
	for _, line := range initLines {
		if err := api.serial.SendLine(line); err != nil {
			slog.Warn("Failed to send init line", "line", line, "error", err)
			break
		}
	}
	if len(initLines) > 0 {
		slog.Info("Sent init lines", "count", len(initLines))
	}
	return &status, nil
}

func (api *apiImpl) DisconnectSerial(req *DisconnectSerialRequest) (*link.ConnectionStatus, error) {
	status := api.serial.Disconnect()
	return &status, nil
}

func (api *apiImpl) ConnectionStatus(req *ConnectionStatusRequest) (*link.ConnectionStatus, error) {
	status := api.serial.Status()
	return &status, nil
}

func (api *apiImpl) SendSerialLine(req *SendSerialLineRequest) (*SendSerialLineResponse, error) {
	if err := api.serial.SendLine(req.Line); err != nil {
		return nil, err
	}
	return &SendSerialLineResponse{}, nil
}

func (api *apiImpl) DeployCode(req *DeployCodeRequest) (*DeployCodeResponse, error) {
	count, err := api.serial.DeployCode(req.Code)
	if err != nil {
		return nil, err
	}
	return &DeployCodeResponse{LineCount: count}, nil
}

func (api *apiImpl) ConnectPiBridge(req *ConnectPiBridgeRequest) (*link.BridgeConnectionStatus, error) {
	status, err := api.bridge.Connect(req.Host, req.Port, req.Token)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (api *apiImpl) DisconnectPiBridge(req *DisconnectPiBridgeRequest) (*link.BridgeConnectionStatus, error) {
	status := api.bridge.Disconnect()
	return &status, nil
}

func (api *apiImpl) PiBridgeStatus(req *PiBridgeStatusRequest) (*link.BridgeConnectionStatus, error) {
	status := api.bridge.Status()
	return &status, nil
}

func (api *apiImpl) SendMecanumViaPiBridge(req *SendMecanumViaPiBridgeRequest) (*link.BridgeDispatchStatus, error) {
	duration := 500
	if req.DurationMS != nil {
		duration = *req.DurationMS
	}
	status, err := api.bridge.Dispatch(req.Host, req.Port, req.Token, req.Command, duration)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (api *apiImpl) SendMecanumViaSSH(req *SendMecanumViaSSHRequest) (*link.SSHDispatchStatus, error) {
	baud := 0
	if req.BaudRate != nil {
		baud = *req.BaudRate
	}
	duration := 500
	if req.DurationMS != nil {
		duration = *req.DurationMS
	}
	status, err := link.DispatchViaSSH(link.SSHDispatch{
		Host:       req.SSHHost,
		User:       req.SSHUser,
		Password:   req.SSHPassword,
		DevicePath: req.SerialPath,
		Baud:       baud,
		Command:    req.Command,
		DurationMS: duration,
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (api *apiImpl) Healthcheck(req *HealthcheckRequest) (*link.HealthReport, error) {
	report := api.bridge.Healthcheck(req.Host, req.Port, req.Token)
	return &report, nil
}

func (api *apiImpl) QueryLines(req *QueryLinesRequest) (*QueryLinesResponse, error) {
	opts := QueryOptions{}
	if req.Tail != nil {
		opts.Scan = TailScan{N: *req.Tail}
	} else if req.FromLine != nil || req.ToLine != nil {
		opts.Scan = RangeScan{FromLine: req.FromLine, ToLine: req.ToLine}
	}
	opts.FilterDir = req.FilterDir
	if req.FilterRegex != "" {
		// Validated already; re-compile.
		opts.FilterRegex = regexp.MustCompile(req.FilterRegex)
	}

	matched := api.lineDB.Query(opts)

	const maxLines = 1000
	count := len(matched)
	if len(matched) > maxLines {
		matched = matched[:maxLines]
	}

	lines := make([]LineInfo, 0, len(matched))
	for _, l := range matched {
		lines = append(lines, LineInfo{
			LineNum: l.num,
			Dir:     l.dir,
			Content: l.content,
			Time:    formatLinkTime(l.time),
		})
	}
	return &QueryLinesResponse{
		Count: count,
		Lines: lines,
		Now:   formatLinkTime(time.Now()),
	}, nil
}

func (api *apiImpl) SetInit(req *SetInitRequest) (*SetInitResponse, error) {
	if err := writeInitLines(api.initFile, req.Lines); err != nil {
		return nil, err
	}
	return &SetInitResponse{}, nil
}

func (api *apiImpl) GetInit(req *GetInitRequest) (*GetInitResponse, error) {
	lines, err := fetchInitLines(api.initFile)
	if err != nil {
		return nil, err
	}
	return &GetInitResponse{Lines: lines}, nil
}

func main() {
	addr := flag.String("addr", ":9000", "HTTP server address")
	logDir := flag.String("log-dir", "logs", "Directory for traffic log files")
	initFile := flag.String("init-file", "init.txt", "File containing lines sent after serial connect")
	configPath := flag.String("config", "", "Optional YAML config file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if *configPath != "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			slog.Error("Failed to load config", "path", *configPath, "error", err)
			return
		}
		// Explicit flags win over config file values.
		explicit := map[string]bool{}
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if cfg.Addr != "" && !explicit["addr"] {
			*addr = cfg.Addr
		}
		if cfg.LogDir != "" && !explicit["log-dir"] {
			*logDir = cfg.LogDir
		}
		if cfg.InitFile != "" && !explicit["init-file"] {
			*initFile = cfg.InitFile
		}
	}

	initFileAbs, err := filepath.Abs(*initFile)
	if err != nil {
		slog.Error("Failed to resolve init file path", "path", *initFile, "error", err)
		return
	}

	store := link.NewStore()
	api := &apiImpl{
		bridge:      link.NewBridgeManager(store),
		nextLineNum: 1,
		lineDB:      NewLineDB(),
		traffic:     NewTrafficLog(*logDir),
		hub:         newEventHub(),
		initFile:    initFileAbs,
	}
	api.serial = link.NewSerialManager(store, api)
	defer api.traffic.Close()

	slog.Info("Starting server", "addr", *addr)
	if err := StartHTTPServer(*addr, api, api.hub); err != nil {
		slog.Error("Server failed", "error", err)
	}
}
