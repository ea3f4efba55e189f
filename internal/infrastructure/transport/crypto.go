package transport

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"voicebox/internal/core/domain"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Each side of an encrypted connection sends an ephemeral X25519 public
// key after hello. The shared secret is stretched with HKDF-SHA256 into one
// XChaCha20-Poly1305 key; every text and audio body is sealed under a
// random nonce with the frame type as additional data.

const sessionKeyInfo = "voicebox-session-v1"

var errShortCiphertext = errors.New("ciphertext too short")

type keyPair struct {
	private []byte
	public  []byte
}

func generateKeyPair() (keyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return keyPair{}, fmt.Errorf("generate key: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return keyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return keyPair{private: private, public: public}, nil
}

// cipherSession seals and opens frame bodies for one connection. A nil
// session leaves frames in the clear.
type cipherSession struct {
	aead cipher.AEAD
}

func newCipherSession(local keyPair, peerPublic []byte) (*cipherSession, error) {
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("peer key is %d bytes", len(peerPublic))
	}
	shared, err := curve25519.X25519(local.private, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}

	// both sides must feed the same salt
	lo, hi := local.public, peerPublic
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := append(append(make([]byte, 0, len(lo)+len(hi)), lo...), hi...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(sessionKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &cipherSession{aead: aead}, nil
}

func sealed(ft domain.FrameType) bool {
	return ft == domain.FrameAudio || ft == domain.FrameText
}

// sealFrame returns encoded with its body encrypted. Control frames and a
// nil session pass through unchanged.
func (s *cipherSession) sealFrame(encoded []byte) ([]byte, error) {
	ft := frameType(encoded)
	if s == nil || !sealed(ft) {
		return encoded, nil
	}

	plain := encoded[headerSize:]
	nonceSize := s.aead.NonceSize()
	bodyLen := nonceSize + len(plain) + s.aead.Overhead()
	if err := checkSize(bodyLen); err != nil {
		return nil, err
	}

	out := make([]byte, headerSize+nonceSize, headerSize+bodyLen)
	binary.BigEndian.PutUint32(out, uint32(1+bodyLen))
	out[lengthSize] = byte(ft)
	nonce := out[headerSize : headerSize+nonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return s.aead.Seal(out, nonce, plain, []byte{byte(ft)}), nil
}

// openBody decrypts a body read from the wire.
func (s *cipherSession) openBody(ft domain.FrameType, body []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(body) < nonceSize+s.aead.Overhead() {
		return nil, errShortCiphertext
	}
	return s.aead.Open(nil, body[:nonceSize], body[nonceSize:], []byte{byte(ft)})
}
