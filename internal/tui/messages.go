package tui

import (
	"time"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/server"
)

type tickMsg struct{}

type statusLoadedMsg struct {
	status *server.StatusPayload
	at     time.Time
	err    error
}

type eventsLoadedMsg struct {
	events []server.EventPayload
	err    error
}

type actionDoneMsg struct {
	verb    string
	account string
	err     error
}
