// Package audit provides a unified helper for logging connection and shell
// lifecycle events: connects, auth failures, shell starts, tmux probe
// outcomes, disconnects.
package audit

import "log"

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record. A named struct avoids
// the swap-bug risk of several consecutive string parameters.
type Entry struct {
	// ConnectionID identifies the SSH connection the event belongs to, or
	// "" for events that precede connection_id assembly (e.g. dial failure).
	ConnectionID string
	// ChannelID identifies the shell session, when the event is shell-scoped.
	ChannelID string
	// Action is a dot-namespaced verb, e.g. "connection.connect", "shell.start".
	Action string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// Detail holds optional structured context (error message, exit status).
	Detail map[string]any
}

// Write logs one audit record. An audit failure must never break the
// calling operation, so this never returns an error.
func Write(entry Entry) {
	if !validStatuses[entry.Status] {
		log.Printf("audit.Write: invalid status %q for action %q — skipping", entry.Status, entry.Action)
		return
	}
	log.Printf("[audit] action=%s status=%s connection_id=%s channel_id=%s detail=%v",
		entry.Action, entry.Status, entry.ConnectionID, entry.ChannelID, entry.Detail)
}
