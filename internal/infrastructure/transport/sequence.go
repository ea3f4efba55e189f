package transport

import (
	"time"

	"voicebox/internal/core/domain"
)

// maxTotalLost is the largest cumulative loss an RTCP report can carry.
const maxTotalLost = 1<<24 - 1

// sequenceTracker extends 16-bit RTP sequence numbers into a monotonic
// 64-bit sequence and rejects duplicates and late frames. Not safe for
// concurrent use.
type sequenceTracker struct {
	started  bool
	ssrc     uint32
	first    uint64
	highest  uint64
	received uint64
	dropped  uint64
	lastAt   time.Time

	// values at the previous report, for interval loss
	reportedExpected uint64
	reportedReceived uint64
}

// accept returns the extended sequence of seq and whether the frame is
// newer than every frame accepted so far. A new ssrc restarts tracking.
func (t *sequenceTracker) accept(ssrc uint32, seq uint16, now time.Time) (uint64, bool) {
	if !t.started || ssrc != t.ssrc {
		*t = sequenceTracker{
			started:  true,
			ssrc:     ssrc,
			first:    uint64(seq),
			highest:  uint64(seq),
			received: 1,
			lastAt:   now,
		}
		return uint64(seq), true
	}

	delta := int64(int16(seq - uint16(t.highest)))
	if delta <= 0 || int64(t.highest)+delta < 0 {
		t.dropped++
		return 0, false
	}

	t.highest = uint64(int64(t.highest) + delta)
	t.received++
	t.lastAt = now
	return t.highest, true
}

func (t *sequenceTracker) expected() uint64 {
	if !t.started {
		return 0
	}
	return t.highest - t.first + 1
}

func (t *sequenceTracker) stats() domain.ReceptionStats {
	return domain.ReceptionStats{
		FramesReceived:  t.received,
		FramesDropped:   t.dropped,
		HighestSequence: t.highest,
		ExpectedFrames:  t.expected(),
		LastFrameAt:     t.lastAt,
	}
}

type reportWindow struct {
	fractionLost uint8
	totalLost    uint32
	highest      uint32
}

// window summarises loss since the previous call. ok is false when no
// audio has been received since then.
func (t *sequenceTracker) window() (reportWindow, bool) {
	expected := t.expected()
	if !t.started || t.received == t.reportedReceived {
		return reportWindow{}, false
	}

	expectedInterval := expected - t.reportedExpected
	receivedInterval := t.received - t.reportedReceived
	t.reportedExpected = expected
	t.reportedReceived = t.received

	var fraction uint8
	if expectedInterval > receivedInterval {
		fraction = uint8((expectedInterval - receivedInterval) * 256 / expectedInterval)
	}

	var total uint64
	if expected > t.received {
		total = expected - t.received
	}
	if total > maxTotalLost {
		total = maxTotalLost
	}

	return reportWindow{
		fractionLost: fraction,
		totalLost:    uint32(total),
		highest:      uint32(t.highest),
	}, true
}
