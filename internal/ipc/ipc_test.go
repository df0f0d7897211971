package ipc

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connectias/pluginhost/internal/domain/message"
)

func TestConnectSendReceive_Roundtrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "pluginhost.sock")

	ln, err := Listen(sockPath, nil)
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan message.Message, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		msg, err := conn.Receive()
		if err == nil {
			serverDone <- msg
		}
	}()

	client, err := Connect(sockPath, nil)
	require.NoError(t, err)
	defer client.Disconnect()

	msg := message.New("topic.test", "plugin.a", []byte("hello"), message.TypeEvent, message.PriorityNormal)
	require.NoError(t, client.Send("plugin.b", msg))

	select {
	case received := <-serverDone:
		assert.Equal(t, "topic.test", received.Topic)
		assert.Equal(t, []byte("hello"), received.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("frame was not received")
	}
}

func TestTryReceive_TimesOutWithoutFrame(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "pluginhost.sock")

	ln, err := Listen(sockPath, nil)
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan *Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	client, err := Connect(sockPath, nil)
	require.NoError(t, err)
	defer client.Disconnect()

	server := <-acceptedCh
	_, ok, err := server.TryReceive(100 * time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReconnect_AfterDisconnectSucceeds(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "pluginhost.sock")

	ln, err := Listen(sockPath, nil)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go conn.Receive()
		}
	}()

	client, err := Connect(sockPath, nil)
	require.NoError(t, err)
	require.NoError(t, client.Disconnect())

	client2, err := Connect(sockPath, nil)
	require.NoError(t, err)
	defer client2.Disconnect()
}

func TestEncodeFrame_RejectsNonUUIDMessageID(t *testing.T) {
	msg := message.New("t", "sender", []byte("x"), message.TypeEvent, message.PriorityNormal)
	msg.MessageID = "not-a-uuid"
	_, err := encodeFrame(msg)
	require.Error(t, err)
}
