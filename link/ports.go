// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package link

import (
	"strings"

	"go.bug.st/serial/enumerator"
)

var listDetailedPorts = enumerator.GetDetailedPortsList

// PortEntry describes one enumerated serial port.
type PortEntry struct {
	PortName string `json:"port_name"`
	PortType string `json:"port_type"`
}

// portTypeName classifies a port as usb:<product>, usb, bluetooth, pci or
// unknown. USB metadata comes from the enumerator; bluetooth and pci fall
// back to device-name heuristics since the enumerator does not tag them.
func portTypeName(d *enumerator.PortDetails) string {
	if d.IsUSB {
		if d.Product != "" {
			return "usb:" + d.Product
		}
		return "usb"
	}
	name := strings.ToLower(d.Name)
	switch {
	case strings.Contains(name, "bluetooth") || strings.Contains(name, "rfcomm"):
		return "bluetooth"
	case strings.Contains(name, "pci"):
		return "pci"
	}
	return "unknown"
}

// ListSerialPorts enumerates the host's serial ports with a coarse type label.
func ListSerialPorts() ([]PortEntry, error) {
	details, err := listDetailedPorts()
	if err != nil {
		return nil, &TransportError{Op: "failed to enumerate serial ports", Err: err}
	}
	entries := make([]PortEntry, 0, len(details))
	for _, d := range details {
		entries = append(entries, PortEntry{PortName: d.Name, PortType: portTypeName(d)})
	}
	return entries, nil
}
