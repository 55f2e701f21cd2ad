package transport

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/filedrop/crypto"
)

type handshakeResult struct {
	session *Session
	err     error
}

func runHandshake(t *testing.T, verify KeyVerifier) (client, server *Session, serverErr error) {
	t.Helper()

	clientKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	serverKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	results := make(chan handshakeResult, 1)
	go func() {
		s, err := Server(serverConn, serverKeys, verify)
		if err != nil {
			serverConn.Close()
		}
		results <- handshakeResult{s, err}
	}()

	client, clientErr := Client(clientConn, clientKeys, serverKeys.Public[:])
	serverResult := <-results
	if serverResult.err != nil {
		return nil, nil, serverResult.err
	}
	require.NoError(t, clientErr)
	return client, serverResult.session, nil
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	var verifiedKey []byte
	client, server, err := runHandshake(t, func(remote []byte) error {
		verifiedKey = append([]byte(nil), remote...)
		return nil
	})
	require.NoError(t, err)
	defer client.Close()
	defer server.Close()

	assert.Len(t, verifiedKey, crypto.KeySize)
	assert.Equal(t, verifiedKey, server.RemoteStatic(),
		"responder should learn the initiator static key during the handshake")

	payload := []byte(`{"type":"ping"}`)
	recvErr := make(chan error, 1)
	var got []byte
	go func() {
		frame, err := server.Recv()
		got = frame
		recvErr <- err
	}()
	require.NoError(t, client.Send(payload))
	require.NoError(t, <-recvErr)
	assert.True(t, bytes.Equal(payload, got))

	reply := []byte(`{"type":"pong"}`)
	sendErr := make(chan error, 1)
	go func() { sendErr <- server.Send(reply) }()
	frame, err := client.Recv()
	require.NoError(t, err)
	require.NoError(t, <-sendErr)
	assert.True(t, bytes.Equal(reply, frame))
}

func TestHandshakeKeyRejected(t *testing.T) {
	_, _, err := runHandshake(t, func(remote []byte) error {
		return errors.New("unknown peer")
	})
	assert.ErrorIs(t, err, ErrKeyRejected)
}

func TestSendFrameTooLarge(t *testing.T) {
	client, server, err := runHandshake(t, nil)
	require.NoError(t, err)
	defer client.Close()
	defer server.Close()

	err = client.Send(make([]byte, MaxFrameSize+1))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestClientRequiresPeerKey(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	conn, other := net.Pipe()
	defer conn.Close()
	defer other.Close()

	_, err = Client(conn, keys, []byte{1, 2, 3})
	assert.Error(t, err)
}
