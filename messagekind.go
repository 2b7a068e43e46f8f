package fly

// MessageKind enumerates the channel message shapes.
type MessageKind byte

const (
	// MessageKindInvalid is not usable and if received will stop the worker
	MessageKindInvalid = MessageKind(0x00)
	// MessageKindMetadata carries a RequestID and an absolute file path
	MessageKindMetadata = MessageKind(0x01)
	// MessageKindHandle carries a RequestID and a connection descriptor
	MessageKindHandle = MessageKind(0x02)
)

var messageKindTexts = map[MessageKind]string{
	MessageKindInvalid:  "Invalid",
	MessageKindMetadata: "Metadata",
	MessageKindHandle:   "Handle",
}

func (mk MessageKind) String() string {
	if s, ok := messageKindTexts[mk]; ok {
		return s
	}
	return "Unknown"
}
