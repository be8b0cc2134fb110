package server

import (
	"encoding/json"
	"strings"

	"market-relay/src/models"
)

// Client commands.
const (
	CommandStart = "start"
	CommandPing  = "ping"
	CommandClose = "close"
)

// -----------------------------------------------------------------------------

// parseCommand accepts a bare word ("start") or {"command":"start"}.
// Anything else yields "".
func parseCommand(message []byte) string {
	text := strings.TrimSpace(string(message))
	if strings.HasPrefix(text, "{") {
		var cmd models.MRelayCommand
		if err := json.Unmarshal([]byte(text), &cmd); err != nil {
			return ""
		}
		text = strings.TrimSpace(cmd.Command)
	}

	switch text {
	case CommandStart, CommandPing, CommandClose:
		return text
	default:
		return ""
	}
}
