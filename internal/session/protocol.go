package session

import (
	"encoding/base64"
	"strings"
)

func encodeB64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func decodeB64(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

const crlf = "\r\n"

// responseKind classifies one line of upstream IMAP traffic.
type responseKind int

const (
	kindUntagged responseKind = iota
	kindContinuation
	kindTaggedStatus
	kindUntaggedData
)

var untaggedStatusWords = map[string]bool{
	"OK": true, "NO": true, "BAD": true, "PREAUTH": true, "BYE": true,
}

var taggedStatusWords = map[string]bool{
	"OK": true, "NO": true, "BAD": true,
}

// classifyServerLine parses one upstream line (CRLF already stripped):
// untagged status (* OK|NO|BAD|PREAUTH|BYE), continuation (+), tagged
// status (tag OK|NO|BAD), or untagged data (anything else).
func classifyServerLine(line string) (kind responseKind, tag, status string) {
	fields := strings.SplitN(line, " ", 2)
	if len(fields) == 0 {
		return kindUntaggedData, "", ""
	}

	first := fields[0]
	second := ""
	if len(fields) > 1 {
		second = strings.SplitN(fields[1], " ", 2)[0]
	}

	if first == "+" {
		return kindContinuation, "", ""
	}
	if first == "*" && untaggedStatusWords[second] {
		return kindUntagged, "*", second
	}
	if taggedStatusWords[second] {
		return kindTaggedStatus, first, second
	}
	return kindUntaggedData, "", ""
}

// parseClientCommand splits a client command line into tag, upper-cased
// command, and the remaining arguments (possibly empty).
func parseClientCommand(line string) (tag, cmd, args string) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 2)
	tag = parts[0]
	if len(parts) == 1 {
		return tag, "", ""
	}

	rest := strings.TrimLeft(parts[1], " ")
	parts2 := strings.SplitN(rest, " ", 2)
	cmd = strings.ToUpper(parts2[0])
	if len(parts2) == 2 {
		args = parts2[1]
	}
	return tag, cmd, args
}
