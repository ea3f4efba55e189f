package domain

import "time"

// PeerRecord is a published username → address mapping. Records are
// immutable once published.
type PeerRecord struct {
	Username string `json:"username"`
	Address  string `json:"address"`
}

type ConnectionDirection string

const (
	DirectionInbound  ConnectionDirection = "inbound"
	DirectionOutbound ConnectionDirection = "outbound"
)

// ConnectionInfo is a point-in-time view of one pooled connection.
type ConnectionInfo struct {
	Address   string              `json:"address"`
	Username  string              `json:"username"`
	Direction ConnectionDirection `json:"direction"`
	OpenedAt  time.Time           `json:"opened_at"`
	Stats     ReceptionStats      `json:"stats"`
}
