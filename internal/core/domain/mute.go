package domain

import "sync/atomic"

// MuteState is the single mute flag shared by a node and its audio
// pipeline. The zero value is unmuted.
type MuteState struct {
	muted atomic.Bool
}

func (m *MuteState) Muted() bool {
	return m.muted.Load()
}

func (m *MuteState) Set(muted bool) {
	m.muted.Store(muted)
}

// Toggle flips the flag and returns the new value.
func (m *MuteState) Toggle() bool {
	for {
		old := m.muted.Load()
		if m.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}
