// Package sseutil frames SSE and NDJSON upstream streams for the dialect
// adapters.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds one SSE line; a chat delta never comes close, but a
// base64 audio frame can.
const maxLineSize = 64 * 1024

// NewScanner returns a line scanner sized for SSE payloads. Scan yields
// one line at a time without the trailing newline.
func NewScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return s
}

// ParseSSELine splits one SSE line into its event name or data payload.
// Blank lines, comment lines (leading colon), and fields other than
// "event" and "data" report ok=false and are skipped by callers.
func ParseSSELine(line string) (event, data string, ok bool) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", "", false
	}

	field, value, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	// One optional space after the colon per the SSE spec.
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "event":
		return value, "", true
	case "data":
		return "", value, true
	}
	return "", "", false
}
