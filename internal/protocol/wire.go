package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Replies written by the relay and the agent. Every reply is one line.
const (
	ReplyOK                = "OK\n"
	ReplyNO                = "NO\n"
	ReplyNoSuchOperator    = "No such operator\n"
	ReplyOperatorConnected = "Operator already connected\n"
	ReplyInvalidOperator   = "Invalid operator id\n"
	ReplyOperatorLimit     = "Operator limit reached\n"
)

// AckReadLimit is how many bytes of an operator ack the relay inspects.
const AckReadLimit = 4

var ackPrefix = []byte("OK")

// ParseOperatorID validates one identification line. Trailing whitespace is tolerated;
// anything other than ASCII digits is rejected.
func ParseOperatorID(raw []byte) (string, error) {
	id := bytes.TrimRight(raw, " \t\r\n")
	if len(id) == 0 {
		return "", ErrEmptyOperatorID
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidOperatorID, id)
		}
	}
	return string(id), nil
}

// IdentificationLine is what a client sends right after connecting.
func IdentificationLine(operatorID string) []byte {
	return []byte(operatorID + "\n")
}

// IsAck reports whether a reply acknowledges success.
func IsAck(reply []byte) bool {
	return bytes.HasPrefix(reply, ackPrefix)
}

// AckDecided reports whether enough of a reply has arrived to judge it.
func AckDecided(reply []byte) bool {
	return len(reply) >= len(ackPrefix) || bytes.IndexByte(reply, '\n') >= 0
}

// SplitRoute separates the routing character from the rest of an agent frame.
func SplitRoute(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, ErrEmptyFrame
	}
	return frame[0], frame[1:], nil
}

// WriteReply writes one reply line in a single call.
func WriteReply(w io.Writer, reply string) error {
	_, err := io.WriteString(w, reply)
	return err
}

// ReplyText trims a reply line for logging.
func ReplyText(reply []byte) string {
	return string(bytes.TrimRight(reply, " \t\r\n"))
}
