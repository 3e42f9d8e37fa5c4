// Package protocol implements the coordinator/worker wire format: a one byte
// tag, a big endian uint32 payload length and the payload. Task and Result
// payloads use a versioned protobuf wire schema.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Tag identifies a message.
type Tag byte

const (
	// TagClientName is the worker handshake carrying the machine name.
	TagClientName Tag = 1
	// TagTaskRequest announces one free worker slot.
	TagTaskRequest Tag = 2
	// TagTask carries a work assignment.
	TagTask Tag = 3
	// TagResult carries a completion, a missing result means failure.
	TagResult Tag = 4
	// TagAbortWork tells the worker to drop all queued and running work.
	TagAbortWork Tag = 5
	// TagListening tells the worker to start sending task requests.
	TagListening Tag = 6
)

func (t Tag) String() string {
	switch t {
	case TagClientName:
		return "ClientName"
	case TagTaskRequest:
		return "TaskRequest"
	case TagTask:
		return "Task"
	case TagResult:
		return "Result"
	case TagAbortWork:
		return "AbortWork"
	case TagListening:
		return "Listening"
	default:
		return fmt.Sprintf("Tag(%d)", byte(t))
	}
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool {
	return t >= TagClientName && t <= TagListening
}

// FromWorker reports whether the tag is sent by workers.
func (t Tag) FromWorker() bool {
	return t == TagClientName || t == TagTaskRequest || t == TagResult
}

const (
	// HeaderSize is the tag byte plus the length word.
	HeaderSize = 5
	// DefaultMaxFrameSize bounds a payload when no limit is configured.
	DefaultMaxFrameSize = 256 << 20
)

var (
	// ErrProtocol matches every ProtocolError with errors.Is.
	ErrProtocol = errors.New("protocol error")
	// ErrConnectionLost reports a peer that closed or reset the stream.
	ErrConnectionLost = errors.New("connection lost")
)

// ProtocolError is a malformed or out of sequence message. It terminates
// the connection it was read from.
type ProtocolError struct {
	Tag     Tag
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error on %s: %s: %v", e.Tag, e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error on %s: %s", e.Tag, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// Is matches ErrProtocol.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// NewProtocolError builds a ProtocolError.
func NewProtocolError(tag Tag, message string, cause error) *ProtocolError {
	return &ProtocolError{Tag: tag, Message: message, Cause: cause}
}

// Frame is one decoded message.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// WriteFrame writes the header and the payload in a single call.
func WriteFrame(w io.Writer, tag Tag, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(tag)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConnectionLost, tag, err)
	}
	return nil
}

// Reader reads frames from a stream.
type Reader struct {
	r   *bufio.Reader
	max uint32
}

// NewReader wraps r. maxFrameSize <= 0 selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrameSize int) *Reader {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), max: uint32(maxFrameSize)}
}

// ReadFrame blocks for the next frame. A closed stream or a truncated header
// yields ErrConnectionLost; an unknown tag or oversize length yields a
// ProtocolError.
func (r *Reader) ReadFrame() (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return Frame{}, lost(err)
	}

	tag := Tag(hdr[0])
	if !tag.Valid() {
		return Frame{}, NewProtocolError(tag, "unknown tag", nil)
	}
	size := binary.BigEndian.Uint32(hdr[1:])
	if size > r.max {
		return Frame{}, NewProtocolError(tag, fmt.Sprintf("frame of %d bytes exceeds limit %d", size, r.max), nil)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return Frame{}, lost(err)
	}
	return Frame{Tag: tag, Payload: payload}, nil
}

func lost(err error) error {
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}
