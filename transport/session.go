// Package transport provides the authenticated peer channel used by the
// file-drop engine.
//
// Sessions run the Noise IK pattern over a stream connection: the
// initiator must already know the responder's static public key, and the
// responder learns and verifies the initiator's static key during the
// handshake. After the handshake, frames travel length-prefixed and
// encrypted.
package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"

	"github.com/opd-ai/filedrop/crypto"
)

// MaxFrameSize bounds a single plaintext frame.
const MaxFrameSize = 32 * 1024

var (
	// ErrFrameTooLarge indicates a frame beyond MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrKeyRejected indicates the peer's static key failed verification.
	ErrKeyRejected = errors.New("peer static key rejected")
)

// KeyVerifier checks an initiator's static public key during the responder
// handshake. Returning an error aborts the session.
type KeyVerifier func(remoteStatic []byte) error

// Session is an established encrypted channel to one peer.
type Session struct {
	conn         net.Conn
	remoteStatic []byte

	sendMu sync.Mutex
	send   *noise.CipherState
	recvMu sync.Mutex
	recv   *noise.CipherState
}

// Client performs the initiator side of the handshake over conn.
func Client(conn net.Conn, keyPair *crypto.KeyPair, peerStatic []byte) (*Session, error) {
	if len(peerStatic) != crypto.KeySize {
		return nil, fmt.Errorf("peer static key must be %d bytes, got %d", crypto.KeySize, len(peerStatic))
	}

	hs, err := newHandshakeState(keyPair, peerStatic, true)
	if err != nil {
		return nil, err
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("writing handshake initiation: %w", err)
	}
	if err := writeFrame(conn, msg1); err != nil {
		return nil, fmt.Errorf("sending handshake initiation: %w", err)
	}

	msg2, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("receiving handshake response: %w", err)
	}
	// The first cipher state encrypts initiator to responder traffic.
	_, send, recv, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("processing handshake response: %w", err)
	}

	return &Session{
		conn:         conn,
		remoteStatic: append([]byte(nil), peerStatic...),
		send:         send,
		recv:         recv,
	}, nil
}

// Server performs the responder side of the handshake over conn. The
// verifier runs against the initiator's static key before the response is
// sent.
func Server(conn net.Conn, keyPair *crypto.KeyPair, verify KeyVerifier) (*Session, error) {
	hs, err := newHandshakeState(keyPair, nil, false)
	if err != nil {
		return nil, err
	}

	msg1, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("receiving handshake initiation: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("processing handshake initiation: %w", err)
	}

	remoteStatic := append([]byte(nil), hs.PeerStatic()...)
	if verify != nil {
		if err := verify(remoteStatic); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyRejected, err)
		}
	}

	msg2, recv, send, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("writing handshake response: %w", err)
	}
	if err := writeFrame(conn, msg2); err != nil {
		return nil, fmt.Errorf("sending handshake response: %w", err)
	}

	return &Session{
		conn:         conn,
		remoteStatic: remoteStatic,
		send:         send,
		recv:         recv,
	}, nil
}

// RemoteStatic returns the peer's static public key.
func (s *Session) RemoteStatic() []byte {
	return append([]byte(nil), s.remoteStatic...)
}

// Send encrypts and writes one frame.
func (s *Session) Send(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(frame))
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	ciphertext, err := s.send.Encrypt(nil, nil, frame)
	if err != nil {
		return fmt.Errorf("encrypting frame: %w", err)
	}
	return writeFrame(s.conn, ciphertext)
}

// Recv reads and decrypts one frame.
func (s *Session) Recv() ([]byte, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	ciphertext, err := readFrame(s.conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting frame: %w", err)
	}
	return plaintext, nil
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

func newHandshakeState(keyPair *crypto.KeyPair, peerStatic []byte, initiator bool) (*noise.HandshakeState, error) {
	if keyPair == nil {
		return nil, errors.New("nil key pair")
	}

	staticKey := noise.DHKey{
		Private: append([]byte(nil), keyPair.Private[:]...),
		Public:  append([]byte(nil), keyPair.Public[:]...),
	}
	config := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	}
	if peerStatic != nil {
		config.PeerStatic = append([]byte(nil), peerStatic...)
	}

	hs, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("creating handshake state: %w", err)
	}
	return hs, nil
}

// writeFrame sends one length-prefixed frame. The prefix is a big-endian
// uint32 of the payload length.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize+1024 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
