package profile

import (
	"bufio"
	"strings"
)

// Sanitize keeps only ASCII letters, digits, '_', '#' and '-'.
func Sanitize(raw string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '#' || r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ExtractName finds a profile name embedded in a WireGuard config: the first comment
// inside the first [Peer] section, else the first comment anywhere without '='.
// It returns "" when neither exists.
func ExtractName(config string) string {
	lines := splitLines(config)

	inPeer := false
	for _, line := range lines {
		if strings.EqualFold(line, "[peer]") {
			inPeer = true
			continue
		}
		if !inPeer {
			continue
		}
		if strings.HasPrefix(line, "[") {
			break
		}
		if name := commentText(line); name != "" {
			return name
		}
	}
	for _, line := range lines {
		if name := commentText(line); name != "" && !strings.Contains(name, "=") {
			return name
		}
	}
	return ""
}

// Endpoint returns the Endpoint value of the first [Peer] section, if present.
func Endpoint(config string) string {
	inPeer := false
	for _, line := range splitLines(config) {
		if strings.HasPrefix(line, "[") {
			inPeer = strings.EqualFold(line, "[peer]")
			continue
		}
		if !inPeer {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), "endpoint") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func commentText(line string) string {
	if !strings.HasPrefix(line, "#") {
		return ""
	}
	return strings.TrimSpace(strings.TrimLeft(line, "#"))
}

func splitLines(config string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(config))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	return lines
}
