package domain

import "fmt"

type FrameType uint8

const (
	FrameAudio   FrameType = 1
	FrameText    FrameType = 2
	FrameControl FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameAudio:
		return "audio"
	case FrameText:
		return "text"
	case FrameControl:
		return "control"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// AudioFrame is one captured chunk of raw PCM.
type AudioFrame struct {
	Sequence  uint64
	Timestamp uint32 // media clock, in samples
	Payload   []byte
}

type ControlKind uint8

const (
	ControlHello  ControlKind = 1
	ControlPing   ControlKind = 2
	ControlBye    ControlKind = 3
	ControlReport ControlKind = 4
	ControlKey    ControlKind = 5
)

func (k ControlKind) String() string {
	switch k {
	case ControlHello:
		return "hello"
	case ControlPing:
		return "ping"
	case ControlBye:
		return "bye"
	case ControlReport:
		return "report"
	case ControlKey:
		return "key"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type ControlMessage struct {
	Kind ControlKind
	Data []byte
}

// Hello is exchanged by both sides when a connection is established.
type Hello struct {
	Username  string `json:"username"`
	Address   string `json:"address"`
	Encrypted bool   `json:"encrypted,omitempty"`
}

// Frame is one unit sent over a connection. Exactly one of Audio, Text or
// Control is meaningful, selected by Type.
type Frame struct {
	Type    FrameType
	Audio   AudioFrame
	Text    string
	Control ControlMessage
}

func NewAudioFrame(f AudioFrame) Frame {
	return Frame{Type: FrameAudio, Audio: f}
}

func NewTextFrame(text string) Frame {
	return Frame{Type: FrameText, Text: text}
}

func NewControlFrame(kind ControlKind, data []byte) Frame {
	return Frame{Type: FrameControl, Control: ControlMessage{Kind: kind, Data: data}}
}
