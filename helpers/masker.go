package helpers

import (
	"fmt"
	"strings"
)

// Redacted replaces credentials in logged protocol lines.
const Redacted = "[REDACTED]"

// MaskSensitive redacts credentials from a ManageSieve command line before
// it is logged. For AUTHENTICATE everything after the mechanism is hidden:
// the initial response carries the password for PLAIN and LOGIN.
// Lines for other commands are returned unchanged.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return line
	}

	// AUTHENTICATE <mech> <data>: keep the mechanism.
	keep := cmdIndex + 2
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " " + Redacted
	}
	return line
}

// MaskSASLResponse hides a client continuation line sent during a SASL
// exchange. The abort marker is not secret and is kept.
func MaskSASLResponse(line string) string {
	if strings.TrimSpace(line) == `"*"` {
		return line
	}
	return Redacted
}

// TruncateForLog shortens long lines such as PUTSCRIPT with inlined script
// content, noting how much was dropped.
func TruncateForLog(line string, max int) string {
	line = strings.TrimRight(line, "\r\n")
	if max <= 0 || len(line) <= max {
		return line
	}
	return fmt.Sprintf("%s... (%d more bytes)", line[:max], len(line)-max)
}
