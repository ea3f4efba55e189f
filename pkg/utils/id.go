package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GenerateSessionID identifies one node process run.
func GenerateSessionID() string {
	return uuid.NewString()
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return GenerateID("evt")
}

// GenerateRequestID generates a unique request ID
func GenerateRequestID() string {
	return GenerateID("req")
}

// StreamSSRC derives a stable 32-bit RTP synchronization source from a
// session id. Zero is avoided so receivers can treat it as unset.
func StreamSSRC(sessionID string) uint32 {
	id, err := uuid.Parse(sessionID)
	if err != nil {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(sessionID))
	}
	ssrc := uint32(id[0])<<24 | uint32(id[1])<<16 | uint32(id[2])<<8 | uint32(id[3])
	if ssrc == 0 {
		ssrc = 1
	}
	return ssrc
}
