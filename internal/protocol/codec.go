package protocol

import (
	"encoding/json"
	"fmt"
)

func ToFrame(ev Event) (Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: ev.EventType(), Data: data}, nil
}

func Encode(ev Event) ([]byte, error) {
	f, err := ToFrame(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

func Decode(b []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return FromFrame(f)
}

// FromFrame resolves the variant for the frame's tag and validates it.
func FromFrame(f Frame) (Event, error) {
	var ev Event
	switch f.Type {
	case TypeJoinConversation:
		ev = decodeAs[JoinConversation](f.Data)
	case TypeLeaveConversation:
		ev = decodeAs[LeaveConversation](f.Data)
	case TypeTypingStart:
		ev = decodeAs[TypingStart](f.Data)
	case TypeTypingStop:
		ev = decodeAs[TypingStop](f.Data)
	case TypeMarkRead:
		ev = decodeAs[MarkRead](f.Data)
	case TypeNewMessage:
		ev = decodeAs[NewMessage](f.Data)
	case TypeMessageDelivered:
		ev = decodeAs[MessageDelivered](f.Data)
	case TypeMessageRead:
		ev = decodeAs[MessageRead](f.Data)
	case TypeConversationRead:
		ev = decodeAs[ConversationRead](f.Data)
	case TypeUserTyping:
		ev = decodeAs[UserTyping](f.Data)
	case TypeOnlineUsers:
		ev = decodeAs[OnlineUsers](f.Data)
	case TypeConnected:
		ev = decodeAs[Connected](f.Data)
	case TypeConnectError:
		ev = decodeAs[ConnectError](f.Data)
	case TypeDisconnect:
		ev = decodeAs[Disconnect](f.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Type)
	}

	if d, ok := ev.(decodeFailure); ok {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidEvent, f.Type, d.err)
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", f.Type, err)
	}
	return ev, nil
}

type decodeFailure struct{ err error }

func (decodeFailure) EventType() Type { return "" }
func (decodeFailure) validate() error { return nil }

func decodeAs[T Event](data []byte) Event {
	var v T
	if len(data) == 0 {
		return v
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return decodeFailure{err: err}
	}
	return v
}
