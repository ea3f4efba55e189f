package domain

import "time"

type EventType string

const (
	EventMessageReceived  EventType = "message.received"
	EventConnectionOpened EventType = "connection.opened"
	EventConnectionClosed EventType = "connection.closed"
	EventMuteChanged      EventType = "mute.changed"
)

type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address,omitempty"`
	Username  string    `json:"username,omitempty"`
	Text      string    `json:"text,omitempty"`
	Muted     *bool     `json:"muted,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}
