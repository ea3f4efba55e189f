package domain

import "time"

// ReceptionStats describes the audio received on one connection.
type ReceptionStats struct {
	FramesReceived   uint64    `json:"frames_received"`
	FramesDropped    uint64    `json:"frames_dropped"`
	HighestSequence  uint64    `json:"highest_sequence"`
	ExpectedFrames   uint64    `json:"expected_frames"`
	LastFrameAt      time.Time `json:"last_frame_at"`
	RemoteLossRatio  float64   `json:"remote_loss_ratio"` // 0-1, reported by the peer
	RemoteTotalLost  uint32    `json:"remote_total_lost"`
	RemoteReportedAt time.Time `json:"remote_reported_at"`
}

// Lost returns the number of frames never seen locally.
func (s ReceptionStats) Lost() uint64 {
	if s.ExpectedFrames <= s.FramesReceived {
		return 0
	}
	return s.ExpectedFrames - s.FramesReceived
}
