package console

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const maxCommandLength = 512

// ErrInvalidCommand is returned for commands that cannot be written as a single console line
var ErrInvalidCommand = errors.New("invalid console command")

// Match all ANSI/VT100 escape sequences including CSI, OSC, and other control sequences
var ansiEscapePattern = regexp.MustCompile(`\x1b(\[[0-9;?!]*[A-Za-z>hp]|\([B0]|[=>])`)

func sanitizeConsoleLine(line string) string {
	if line == "" {
		return ""
	}
	stripped := ansiEscapePattern.ReplaceAllString(line, "")
	return strings.Map(func(r rune) rune {
		// Keep tabs, remove other control characters
		if r == '\t' {
			return r
		}
		if r < 32 || r == 0x7f {
			return -1
		}
		return r
	}, stripped)
}

// ValidateCommand trims a command and rejects anything that would not be exactly one console line.
func ValidateCommand(command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", fmt.Errorf("%w: command is empty", ErrInvalidCommand)
	}
	if len(command) > maxCommandLength {
		return "", fmt.Errorf("%w: command is too long", ErrInvalidCommand)
	}
	if strings.ContainsAny(command, "\n\r") {
		return "", fmt.Errorf("%w: command contains line breaks", ErrInvalidCommand)
	}
	if strings.ContainsRune(command, '\x1b') {
		return "", fmt.Errorf("%w: command contains escape sequences", ErrInvalidCommand)
	}
	return command, nil
}
