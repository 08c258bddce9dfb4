package bot

import (
	"strings"
	"unicode"
)

// CommandPrefix starts every bot command.
const CommandPrefix = "!"

// ParseCommand matches "!<command> <formula>" in body. The formula is the
// raw remainder of the message after the separating whitespace and may be
// empty.
func ParseCommand(body, command string) (formula string, ok bool) {
	if command == "" || !strings.HasPrefix(body, CommandPrefix) {
		return "", false
	}
	rest := body[len(CommandPrefix):]
	if len(rest) < len(command) || !strings.EqualFold(rest[:len(command)], command) {
		return "", false
	}
	rest = rest[len(command):]
	if rest == "" {
		return "", true
	}
	if r := []rune(rest)[0]; !unicode.IsSpace(r) {
		return "", false
	}
	return strings.TrimLeftFunc(rest, unicode.IsSpace), true
}
