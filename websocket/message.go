package websocket

import "encoding/binary"

// MessageType is the kind of an application message (RFC 6455 Section 5.6).
//
// The kind of a fragmented message is taken from its first frame;
// continuation frames only contribute payload bytes.
type MessageType int

const (
	// TextMessage is a UTF-8 text message (opcode 0x1).
	TextMessage MessageType = MessageType(OpcodeText)

	// BinaryMessage is an opaque byte message (opcode 0x2).
	BinaryMessage MessageType = MessageType(OpcodeBinary)
)

// String returns string representation of message type.
func (mt MessageType) String() string {
	switch mt {
	case TextMessage:
		return "Text"
	case BinaryMessage:
		return "Binary"
	default:
		return "Unknown"
	}
}

// opcode returns the frame opcode that carries messages of this type.
func (mt MessageType) opcode() Opcode {
	if mt == TextMessage {
		return OpcodeText
	}
	return OpcodeBinary
}

// Message is one reassembled application message.
type Message struct {
	Type MessageType
	Data []byte
}

// TextMessageOf builds a text message from s.
func TextMessageOf(s string) Message {
	return Message{Type: TextMessage, Data: []byte(s)}
}

// BinaryMessageOf builds a binary message carrying data.
func BinaryMessageOf(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// IsText reports whether m is a text message.
func (m Message) IsText() bool {
	return m.Type == TextMessage
}

// Text returns the payload as a string. For text messages received through
// Conn.Receive the bytes have already been validated as UTF-8.
func (m Message) Text() string {
	return string(m.Data)
}

// CloseCode is the status code carried by a CLOSE frame (RFC 6455 Section 7.4).
type CloseCode int

const (
	CloseNormalClosure           CloseCode = 1000
	CloseGoingAway               CloseCode = 1001
	CloseProtocolError           CloseCode = 1002
	CloseUnsupportedData         CloseCode = 1003
	CloseNoStatusReceived        CloseCode = 1005 // never sent on the wire
	CloseAbnormalClosure         CloseCode = 1006 // never sent on the wire
	CloseInvalidFramePayloadData CloseCode = 1007
	ClosePolicyViolation         CloseCode = 1008
	CloseMessageTooBig           CloseCode = 1009
	CloseMandatoryExtension      CloseCode = 1010
	CloseInternalServerErr       CloseCode = 1011
)

var closeCodeNames = map[CloseCode]string{
	CloseNormalClosure:           "Normal Closure",
	CloseGoingAway:               "Going Away",
	CloseProtocolError:           "Protocol Error",
	CloseUnsupportedData:         "Unsupported Data",
	CloseNoStatusReceived:        "No Status Received",
	CloseAbnormalClosure:         "Abnormal Closure",
	CloseInvalidFramePayloadData: "Invalid Frame Payload Data",
	ClosePolicyViolation:         "Policy Violation",
	CloseMessageTooBig:           "Message Too Big",
	CloseMandatoryExtension:      "Mandatory Extension",
	CloseInternalServerErr:       "Internal Server Error",
}

// String returns the registered name of the code.
func (cc CloseCode) String() string {
	if name, ok := closeCodeNames[cc]; ok {
		return name
	}
	return "Unknown"
}

// parseClosePayload splits a CLOSE payload into status code and reason.
// An empty payload means CloseNoStatusReceived.
func parseClosePayload(p []byte) (CloseCode, string) {
	if len(p) < 2 {
		return CloseNoStatusReceived, ""
	}
	return CloseCode(binary.BigEndian.Uint16(p)), string(p[2:])
}

// closePayload builds the body of a CLOSE frame.
func closePayload(code CloseCode) []byte {
	if code == CloseNoStatusReceived || code == CloseAbnormalClosure {
		return nil
	}
	return binary.BigEndian.AppendUint16(nil, uint16(code))
}
