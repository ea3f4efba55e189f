package transport

import (
	"fmt"
	"net"
	"time"

	"voicebox/internal/core/domain"
	"voicebox/pkg/validation"
)

// Both sides identify themselves with a hello control frame before any
// other traffic. The dialer speaks first; the acceptor answers only when it
// keeps the connection. On encrypted connections each hello is followed by
// a key frame carrying an ephemeral public key.

func writeControl(conn net.Conn, encoded []byte, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := conn.Write(encoded); err != nil {
		return err
	}
	return conn.SetWriteDeadline(time.Time{})
}

func readControl(conn net.Conn, reader *frameReader, want domain.ControlKind, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	ft, body, err := reader.next()
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrHandshakeFailed, want, err)
	}
	defer releaseBody(body)

	if ft != domain.FrameControl {
		return nil, fmt.Errorf("%w: expected control frame, got %s", domain.ErrHandshakeFailed, ft)
	}
	msg, err := decodeControl(*body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err)
	}
	if msg.Kind != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", domain.ErrHandshakeFailed, want, msg.Kind)
	}
	return msg.Data, conn.SetReadDeadline(time.Time{})
}

func writeHello(conn net.Conn, hello domain.Hello, timeout time.Duration) error {
	encoded, err := encodeHello(hello)
	if err != nil {
		return err
	}
	if err := writeControl(conn, encoded, timeout); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	return nil
}

func readHello(conn net.Conn, reader *frameReader, timeout time.Duration) (domain.Hello, error) {
	data, err := readControl(conn, reader, domain.ControlHello, timeout)
	if err != nil {
		return domain.Hello{}, err
	}

	hello, err := decodeHello(data)
	if err != nil {
		return domain.Hello{}, fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err)
	}
	if err := validation.ValidateAddress(hello.Address); err != nil {
		return domain.Hello{}, fmt.Errorf("%w: announced address: %v", domain.ErrHandshakeFailed, err)
	}
	return hello, nil
}

// checkEncryption rejects a peer whose hello disagrees with our setting.
func checkEncryption(hello domain.Hello, local bool) error {
	if hello.Encrypted != local {
		return fmt.Errorf("%w: peer encryption=%t, ours=%t", domain.ErrHandshakeFailed, hello.Encrypted, local)
	}
	return nil
}

func writeKey(conn net.Conn, keys keyPair, timeout time.Duration) error {
	encoded, err := encodeFrame(domain.NewControlFrame(domain.ControlKey, keys.public), 0)
	if err != nil {
		return err
	}
	if err := writeControl(conn, encoded, timeout); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// readKey reads the peer's public key and derives the session cipher.
func readKey(conn net.Conn, reader *frameReader, keys keyPair, timeout time.Duration) (*cipherSession, error) {
	peerKey, err := readControl(conn, reader, domain.ControlKey, timeout)
	if err != nil {
		return nil, err
	}
	session, err := newCipherSession(keys, peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err)
	}
	return session, nil
}
