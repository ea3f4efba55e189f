package transport

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"voicebox/internal/core/domain"
	"voicebox/pkg/optimize"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// Wire format: 4-byte big-endian length of everything after it, 1-byte
// frame type, body.
const (
	lengthSize = 4
	headerSize = lengthSize + 1

	// MaxFrameSize bounds type byte plus body.
	MaxFrameSize = 1 << 20

	audioPayloadType = 96
	rtpVersion       = 2
)

var bodyPool = optimize.NewBytePool(16 * 1024)

// encodeFrame returns the complete wire representation of f. AUDIO bodies
// are RTP packets stamped with ssrc; the RTP sequence number carries the
// low 16 bits of the frame sequence.
func encodeFrame(f domain.Frame, ssrc uint32) ([]byte, error) {
	var buf []byte

	switch f.Type {
	case domain.FrameAudio:
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        rtpVersion,
				PayloadType:    audioPayloadType,
				SequenceNumber: uint16(f.Audio.Sequence),
				Timestamp:      f.Audio.Timestamp,
				SSRC:           ssrc,
			},
			Payload: f.Audio.Payload,
		}
		size := pkt.MarshalSize()
		if err := checkSize(size); err != nil {
			return nil, err
		}
		buf = make([]byte, headerSize+size)
		if _, err := pkt.MarshalTo(buf[headerSize:]); err != nil {
			return nil, fmt.Errorf("marshal rtp: %w", err)
		}
	case domain.FrameText:
		if err := checkSize(len(f.Text)); err != nil {
			return nil, err
		}
		buf = make([]byte, headerSize+len(f.Text))
		copy(buf[headerSize:], f.Text)
	case domain.FrameControl:
		size := 1 + len(f.Control.Data)
		if err := checkSize(size); err != nil {
			return nil, err
		}
		buf = make([]byte, headerSize+size)
		buf[headerSize] = byte(f.Control.Kind)
		copy(buf[headerSize+1:], f.Control.Data)
	default:
		return nil, fmt.Errorf("unknown frame type %s", f.Type)
	}

	binary.BigEndian.PutUint32(buf, uint32(len(buf)-lengthSize))
	buf[lengthSize] = byte(f.Type)
	return buf, nil
}

func checkSize(bodyLen int) error {
	if 1+bodyLen > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", domain.ErrFrameTooLarge, 1+bodyLen)
	}
	return nil
}

// frameType reads the type of an encoded frame.
func frameType(encoded []byte) domain.FrameType {
	if len(encoded) <= lengthSize {
		return 0
	}
	return domain.FrameType(encoded[lengthSize])
}

// frameReader splits a byte stream into frames. Bodies are borrowed from
// bodyPool and must be released by the caller.
type frameReader struct {
	r   *bufio.Reader
	hdr [headerSize]byte
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReaderSize(r, 32*1024)}
}

func (fr *frameReader) next() (domain.FrameType, *[]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return 0, nil, err
	}

	n := binary.BigEndian.Uint32(fr.hdr[:lengthSize])
	if n == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if n > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", domain.ErrFrameTooLarge, n)
	}

	body := bodyPool.Get(int(n - 1))
	if _, err := io.ReadFull(fr.r, *body); err != nil {
		bodyPool.Put(body)
		return 0, nil, err
	}
	return domain.FrameType(fr.hdr[lengthSize]), body, nil
}

func releaseBody(body *[]byte) {
	bodyPool.Put(body)
}

// decodeAudio parses an RTP body. The payload is copied out of body.
func decodeAudio(body []byte) (rtp.Header, []byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(body); err != nil {
		return rtp.Header{}, nil, fmt.Errorf("unmarshal rtp: %w", err)
	}
	if pkt.Version != rtpVersion || pkt.PayloadType != audioPayloadType {
		return rtp.Header{}, nil, fmt.Errorf("unexpected rtp version %d payload type %d", pkt.Version, pkt.PayloadType)
	}
	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)
	return pkt.Header, payload, nil
}

func decodeControl(body []byte) (domain.ControlMessage, error) {
	if len(body) == 0 {
		return domain.ControlMessage{}, fmt.Errorf("empty control frame")
	}
	data := make([]byte, len(body)-1)
	copy(data, body[1:])
	return domain.ControlMessage{Kind: domain.ControlKind(body[0]), Data: data}, nil
}

func encodeHello(h domain.Hello) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return encodeFrame(domain.NewControlFrame(domain.ControlHello, data), 0)
}

func decodeHello(data []byte) (domain.Hello, error) {
	var h domain.Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return domain.Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	return h, nil
}

// encodeReport builds a receiver report about the audio stream received
// from remoteSSRC.
func encodeReport(ssrc, remoteSSRC uint32, r reportWindow) ([]byte, error) {
	rr := rtcp.ReceiverReport{
		SSRC: ssrc,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               remoteSSRC,
			FractionLost:       r.fractionLost,
			TotalLost:          r.totalLost,
			LastSequenceNumber: r.highest,
		}},
	}
	data, err := rr.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal receiver report: %w", err)
	}
	return encodeFrame(domain.NewControlFrame(domain.ControlReport, data), 0)
}

// decodeReport returns the reception report block addressed to ssrc.
func decodeReport(data []byte, ssrc uint32) (rtcp.ReceptionReport, bool, error) {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return rtcp.ReceptionReport{}, false, fmt.Errorf("unmarshal rtcp: %w", err)
	}
	for _, p := range packets {
		rr, ok := p.(*rtcp.ReceiverReport)
		if !ok {
			continue
		}
		for _, report := range rr.Reports {
			if report.SSRC == ssrc {
				return report, true, nil
			}
		}
	}
	return rtcp.ReceptionReport{}, false, nil
}
