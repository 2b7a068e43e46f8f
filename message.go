package fly

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolError is the error type used for reporting unrecognized channel
// messages, all of which are fatal to a Worker.
type ProtocolError struct{}

func (ProtocolError) Error() string { return "protocol error" }

// IsProtocolError returns true if the cause of err is a ProtocolError.
func IsProtocolError(err error) bool {
	_, ok := errors.Cause(err).(ProtocolError)
	return ok
}

// Metadata tells the worker which file to stream for a RequestID.
type Metadata struct {
	ID          RequestID `json:"id"`
	AbsFilePath string    `json:"absFilePath"`
}

// wireMetadata detects missing or mistyped fields, which a plain
// Metadata would silently zero.
type wireMetadata struct {
	ID          *string `json:"id"`
	AbsFilePath *string `json:"absFilePath"`
}

// Message is one decoded channel packet.
type Message struct {
	Kind MessageKind
	ID   RequestID
	Path string // set for MessageKindMetadata
	FD   int    // set for MessageKindHandle, -1 otherwise
}

func (m Message) String() string {
	switch m.Kind {
	case MessageKindMetadata:
		return fmt.Sprintf("[%v %v %q]", m.Kind, m.ID, m.Path)
	case MessageKindHandle:
		return fmt.Sprintf("[%v %v fd=%d]", m.Kind, m.ID, m.FD)
	}
	return fmt.Sprintf("[%v]", m.Kind)
}

// EncodeMetadata renders the metadata packet payload.
func EncodeMetadata(md Metadata) ([]byte, error) {
	b, err := json.Marshal(md)
	return b, errors.WithStack(err)
}

// EncodeHandle renders the payload that accompanies a connection descriptor.
func EncodeHandle(id RequestID) []byte {
	return []byte(HandlePrefix + string(id))
}

// DecodeMessage parses a packet payload and the descriptors received with it.
// Any shape other than a handle with exactly one descriptor or a metadata
// object without descriptors is a ProtocolError. The caller still owns fds
// when an error is returned.
func DecodeMessage(payload []byte, fds []int) (msg Message, err error) {
	msg.FD = -1
	if bytes.HasPrefix(payload, []byte(HandlePrefix)) {
		id := RequestID(payload[len(HandlePrefix):])
		if id == "" {
			return msg, errors.Wrap(ProtocolError{}, "handle without id")
		}
		if len(fds) != 1 {
			return msg, errors.Wrapf(ProtocolError{}, "handle %v carries %d descriptors", id, len(fds))
		}
		msg.Kind = MessageKindHandle
		msg.ID = id
		msg.FD = fds[0]
		return
	}
	if len(fds) > 0 {
		return msg, errors.Wrapf(ProtocolError{}, "unexpected descriptors with message %q", truncate(payload))
	}
	var wm wireMetadata
	if jsonErr := json.Unmarshal(payload, &wm); jsonErr != nil {
		return msg, errors.Wrapf(ProtocolError{}, "message was unrecognized: %q: %v", truncate(payload), jsonErr)
	}
	if wm.ID == nil || *wm.ID == "" {
		return msg, errors.Wrapf(ProtocolError{}, "message was unrecognized: %q", truncate(payload))
	}
	if wm.AbsFilePath == nil {
		return msg, errors.Wrapf(ProtocolError{}, "metadata %s has no absFilePath", *wm.ID)
	}
	msg.Kind = MessageKindMetadata
	msg.ID = RequestID(*wm.ID)
	msg.Path = *wm.AbsFilePath
	return
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
