// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package link

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// Fixed fallback search lists. GUI/launchd-spawned processes often do not
// inherit an interactive shell's PATH, so well-known locations are probed
// before falling back to plain PATH lookup.
var (
	sshCandidates     = []string{"/usr/bin/ssh", "/bin/ssh"}
	sshpassCandidates = []string{"/opt/homebrew/bin/sshpass", "/usr/local/bin/sshpass", "/usr/bin/sshpass"}
)

var statFile = os.Stat

func resolveBin(candidates []string, fallback string) string {
	for _, candidate := range candidates {
		if _, err := statFile(candidate); err == nil {
			return candidate
		}
	}
	return fallback
}

// runSubprocess executes the helper binary synchronously and captures both
// output streams. Swapped out in tests.
var runSubprocess = func(bin string, args []string) (stdout, stderr []byte, err error) {
	cmd := exec.Command(bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// SSHDispatch is one validated SSH dispatch request.
type SSHDispatch struct {
	Host       string
	User       string
	Password   string
	DevicePath string
	Baud       int
	Command    string
	DurationMS int
}

// SSHDispatchStatus describes one successful SSH dispatch.
type SSHDispatchStatus struct {
	Target     string `json:"target"`
	Command    string `json:"command"`
	DurationMS int    `json:"duration_ms"`
	DevicePath string `json:"serial_path"`
}

// remoteScript builds the timed python one-liner the remote host runs: open
// the device, wait out the driver's reset-on-open delay, then write the
// command byte, hold, and stop. The stop command (or a zero hold) writes the
// stop byte immediately. The python source is shell-quoted as one argument.
func remoteScript(devicePath string, baud int, cmd byte, holdMS int) string {
	var python string
	if cmd == 'S' || holdMS == 0 {
		python = fmt.Sprintf(
			"import serial,time;s=serial.Serial(%s,%d,timeout=1);time.sleep(2.0);s.write(b'S');s.flush();s.close()",
			strconv.Quote(devicePath), baud)
	} else {
		python = fmt.Sprintf(
			"import serial,time;s=serial.Serial(%s,%d,timeout=1);time.sleep(2.0);s.write(b'%c');s.flush();time.sleep(%.3f);s.write(b'S');s.flush();s.close()",
			strconv.Quote(devicePath), baud, cmd, float64(holdMS)/1000.0)
	}
	return "python3 -c " + ShellQuote(python)
}

// sshArgs assembles the full argv (binary first) for the one-shot remote
// invocation. With a password, sshpass wraps ssh with password-preferred
// authentication and host-key auto-acceptance; without one, ssh runs in
// batch mode so it fails instead of prompting.
func sshArgs(target, password, script string) []string {
	sshBin := resolveBin(sshCandidates, "ssh")
	if password != "" {
		return []string{
			resolveBin(sshpassCandidates, "sshpass"),
			"-p", password,
			sshBin,
			"-o", "ConnectTimeout=5",
			"-o", "PubkeyAuthentication=no",
			"-o", "PreferredAuthentications=password,keyboard-interactive",
			"-o", "StrictHostKeyChecking=accept-new",
			target,
			"sh", "-lc", script,
		}
	}
	return []string{
		sshBin,
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=5",
		target,
		"sh", "-lc", script,
	}
}

// DispatchViaSSH validates the request, builds the remote script and runs the
// helper binary synchronously. Stateless; no session is tracked.
func DispatchViaSSH(req SSHDispatch) (SSHDispatchStatus, error) {
	host, err := SanitizeIdentifier(strings.TrimSpace(req.Host), "ssh_host")
	if err != nil {
		return SSHDispatchStatus{}, err
	}
	user, err := SanitizeIdentifier(strings.TrimSpace(req.User), "ssh_user")
	if err != nil {
		return SSHDispatchStatus{}, err
	}
	devicePath, err := SanitizeDevicePath(strings.TrimSpace(req.DevicePath))
	if err != nil {
		return SSHDispatchStatus{}, err
	}
	cmd, err := NormalizeCommand(req.Command)
	if err != nil {
		return SSHDispatchStatus{}, err
	}

	baud := req.Baud
	if baud == 0 {
		baud = 9600
	}
	baud = ClampBaud(baud)
	hold := ClampDuration(req.DurationMS)
	target := user + "@" + host
	password := strings.TrimSpace(req.Password)

	argv := sshArgs(target, password, remoteScript(devicePath, baud, cmd, hold))
	slog.Debug("Dispatching via ssh", "target", target, "command", string(cmd), "duration_ms", hold)

	stdout, stderr, err := runSubprocess(argv[0], argv[1:])
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// The binary itself could not be executed.
			if password != "" && (errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)) {
				return SSHDispatchStatus{}, &SubprocessError{Reason: "failed to execute sshpass: install sshpass to use password authentication"}
			}
			return SSHDispatchStatus{}, &SubprocessError{Reason: fmt.Sprintf("failed to execute ssh: %v", err)}
		}

		details := strings.TrimSpace(string(stderr))
		if details == "" {
			details = strings.TrimSpace(string(stdout))
		}
		if details == "" {
			details = fmt.Sprintf("ssh exited with status %d", exitErr.ExitCode())
		}
		return SSHDispatchStatus{}, &SubprocessError{Reason: "SSH dispatch failed: " + details}
	}

	return SSHDispatchStatus{
		Target:     target,
		Command:    string(cmd),
		DurationMS: hold,
		DevicePath: devicePath,
	}, nil
}
