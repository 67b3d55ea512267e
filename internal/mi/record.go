// Package mi decodes GDB/MI output into records and frames commands for it.
//
// Only the subset needed to route backend output is understood: result and
// async records with their tuple/list payloads, and the three stream kinds.
package mi

import (
	"strconv"
	"strings"
)

// Record types.
const (
	TypeResult  = "result"
	TypeNotify  = "notify"
	TypeConsole = "console"
	TypeTarget  = "target"
	TypeLog     = "log"
	TypeOutput  = "output"
)

const promptLine = "(gdb)"

// Record is one decoded line of backend output.
type Record struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload"`
	Token   *int   `json:"token"`
	Stream  string `json:"stream"`
}

// ParseLine decodes a single line. The boolean is false for lines that carry
// no record, i.e. blank lines and the "(gdb)" prompt.
func ParseLine(line string) (Record, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" || strings.TrimSpace(line) == promptLine {
		return Record{}, false
	}

	rec := Record{Stream: "stdout"}
	rest := line

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 && digits < len(rest) && strings.ContainsRune("^*+=", rune(rest[digits])) {
		if tok, err := strconv.Atoi(rest[:digits]); err == nil {
			rec.Token = &tok
		}
		rest = rest[digits:]
	}

	switch rest[0] {
	case '^', '*', '+', '=':
		if rest[0] == '^' {
			rec.Type = TypeResult
		} else {
			rec.Type = TypeNotify
		}
		class, results, _ := strings.Cut(rest[1:], ",")
		rec.Message = class
		if results != "" {
			payload, err := parseResults(results)
			if err != nil {
				rec.Payload = results
			} else {
				rec.Payload = payload
			}
		}
		return rec, true
	case '~', '@', '&':
		switch rest[0] {
		case '~':
			rec.Type = TypeConsole
		case '@':
			rec.Type = TypeTarget
		default:
			rec.Type = TypeLog
		}
		if s, err := unquote(rest[1:]); err == nil {
			rec.Payload = s
		} else {
			rec.Payload = rest[1:]
		}
		return rec, true
	}

	rec.Type = TypeOutput
	rec.Token = nil
	rec.Payload = line
	return rec, true
}

// FormatCommand frames one command for the backend: a single line ending in
// a newline. Embedded line breaks would split it into several commands, so
// they are replaced by spaces.
func FormatCommand(cmd string) []byte {
	cmd = strings.TrimRight(cmd, "\r\n")
	cmd = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(cmd)
	return []byte(cmd + "\n")
}
