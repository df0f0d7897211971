// Package ipc implements the cross-process transport (C6, spec §4.6):
// length-prefixed, msgpack-encoded frames over a Unix-domain stream
// socket. The same "unix" network is used on every platform; there is no
// separate named-pipe transport for Windows.
package ipc

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/connectias/pluginhost/internal/domain/message"
	herr "github.com/connectias/pluginhost/internal/obs/errors"
	"github.com/connectias/pluginhost/internal/obs/logging"
)

// maxFrameBytes bounds a single frame's length prefix, preventing a
// corrupt or hostile peer from causing an unbounded allocation.
const maxFrameBytes = message.MaxPayloadBytes + 4096

// wireMessage is the msgpack wire shape for one IPCMessage (spec §4.6).
// It mirrors internal/domain/message.Message field-for-field so the
// broker's in-process Message type never needs a separate IPC variant.
type wireMessage struct {
	Topic       string `msgpack:"topic"`
	SenderID    string `msgpack:"sender_id"`
	RecipientID string `msgpack:"recipient_id"`
	Payload     []byte `msgpack:"payload"`
	Timestamp   int64  `msgpack:"timestamp"`
	MessageID   string `msgpack:"message_id"`
	Type        string `msgpack:"message_type"`
	RequestID   string `msgpack:"request_id"`
	ErrorCode   string `msgpack:"error_code"`
	Priority    string `msgpack:"priority"`
	TTLNanos    int64  `msgpack:"ttl_nanos"`
}

func toWire(m message.Message) wireMessage {
	return wireMessage{
		Topic:       m.Topic,
		SenderID:    m.SenderID,
		RecipientID: m.RecipientID,
		Payload:     m.Payload,
		Timestamp:   m.Timestamp,
		MessageID:   m.MessageID,
		Type:        string(m.Type),
		RequestID:   m.RequestID,
		ErrorCode:   m.ErrorCode,
		Priority:    string(m.Priority),
		TTLNanos:    int64(m.TTL),
	}
}

func fromWire(w wireMessage) message.Message {
	return message.Message{
		Topic:       w.Topic,
		SenderID:    w.SenderID,
		RecipientID: w.RecipientID,
		Payload:     w.Payload,
		Timestamp:   w.Timestamp,
		MessageID:   w.MessageID,
		Type:        message.Type(w.Type),
		RequestID:   w.RequestID,
		ErrorCode:   w.ErrorCode,
		Priority:    message.Priority(w.Priority),
		TTL:         time.Duration(w.TTLNanos),
	}
}

// encodeFrame validates msg (spec §4.6 pre-send checks), msgpack-encodes
// it, and prefixes the result with a 4-byte big-endian length.
func encodeFrame(msg message.Message) ([]byte, error) {
	if err := validateOutgoing(msg); err != nil {
		return nil, err
	}
	body, err := msgpack.Marshal(toWire(msg))
	if err != nil {
		return nil, herr.IPCError(err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// validateOutgoing enforces the spec §4.6 pre-send checks by delegating
// to message.Message.Validate, the same check the broker's publish path
// and decodeBody run.
func validateOutgoing(msg message.Message) error {
	return msg.Validate()
}

// decodeBody msgpack-decodes a frame body (without its length prefix)
// and revalidates it, aborting dispatch on any violation (spec §4.6:
// "the receiver revalidates on deserialization").
func decodeBody(body []byte) (message.Message, error) {
	var w wireMessage
	if err := msgpack.Unmarshal(body, &w); err != nil {
		return message.Message{}, herr.IPCError(err)
	}
	msg := fromWire(w)
	if err := msg.Validate(); err != nil {
		return message.Message{}, err
	}
	return msg, nil
}

// Conn wraps one connected endpoint: a byte-stream socket plus the
// framing protocol layered over it.
type Conn struct {
	mu   sync.Mutex
	nc   net.Conn
	path string
	log  *logging.Logger
}

// Listener accepts incoming connections on a Unix-domain socket path.
type Listener struct {
	ln   net.Listener
	path string
	log  *logging.Logger
}

// Listen opens a Unix-domain socket at path (spec §4.6 "listen(path)").
// Any stale socket file left behind by a previous unclean shutdown is
// removed first.
func Listen(path string, log *logging.Logger) (*Listener, error) {
	if log == nil {
		log = logging.Default()
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, herr.IPCError(err)
	}
	return &Listener{ln: ln, path: path, log: log}, nil
}

// Accept blocks for the next incoming connection.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, herr.IPCError(err)
	}
	return &Conn{nc: nc, path: l.path, log: l.log}, nil
}

// Close stops accepting new connections and removes the socket file.
func (l *Listener) Close() error {
	err := l.ln.Close()
	_ = os.Remove(l.path)
	return err
}

// Connect dials an existing Unix-domain socket at path (spec §4.6
// "connect(path)"). Reconnecting after Disconnect to the same endpoint
// is expected to succeed, which this implementation supports simply by
// dialing again — Conn holds no endpoint-side state that Disconnect
// does not fully release.
func Connect(path string, log *logging.Logger) (*Conn, error) {
	if log == nil {
		log = logging.Default()
	}
	nc, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, herr.IPCError(err)
	}
	return &Conn{nc: nc, path: path, log: log}, nil
}

// Send frames and writes msg to the peer.
func (c *Conn) Send(target string, msg message.Message) error {
	msg.RecipientID = target
	frame, err := encodeFrame(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.nc.Write(frame); err != nil {
		return herr.IPCError(err)
	}
	return nil
}

// Receive blocks until a full frame is available and returns the decoded
// message (spec §4.6 "receive() -> msg (blocks until a frame is
// available)").
func (c *Conn) Receive() (message.Message, error) {
	return c.readFrame(nil)
}

// TryReceive waits up to timeout for a frame; if none arrives it returns
// (zero, false, nil) rather than an error (spec §4.6 "try_receive(timeout)
// -> Option<msg>").
func (c *Conn) TryReceive(timeout time.Duration) (message.Message, bool, error) {
	deadline := time.Now().Add(timeout)
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return message.Message{}, false, herr.IPCError(err)
	}
	defer c.nc.SetReadDeadline(time.Time{})

	msg, err := c.readFrame(&deadline)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return message.Message{}, false, nil
		}
		return message.Message{}, false, err
	}
	return msg, true, nil
}

func (c *Conn) readFrame(_ *time.Time) (message.Message, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(c.nc, header); err != nil {
		return message.Message{}, herr.IPCError(err)
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 || length > maxFrameBytes {
		return message.Message{}, herr.MalformedPackage("IPC frame length out of bounds")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return message.Message{}, herr.IPCError(err)
	}
	return decodeBody(body)
}

// Disconnect closes the connection. A subsequent Connect to the same
// path opens a fresh connection.
func (c *Conn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc.Close()
}
