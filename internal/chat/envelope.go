package chat

import "encoding/json"

// Kind discriminates the envelopes exchanged inside a room.
type Kind string

// Envelope kinds. KindNotification is only ever produced by the Registry.
const (
	KindChat         Kind = "chat"
	KindTyping       Kind = "typing"
	KindNotification Kind = "notification"
)

// Envelope is the outbound server frame delivered to every member of a room.
type Envelope struct {
	RoomID  string `json:"room_id"`
	User    string `json:"user"`
	Message string `json:"message"`
	Kind    Kind   `json:"type"`
}

// Sink is anything that can receive envelopes for a room member. Deliver must
// not block; it reports false when the envelope was dropped because the
// recipient is gone or its queue is full. Close tells the owner of the sink
// that it no longer belongs to the room.
type Sink interface {
	Deliver(env Envelope) bool
	Close()
}

func joinedNotice(roomID, user string) Envelope {
	return Envelope{RoomID: roomID, User: user, Message: user + " has joined the chat", Kind: KindNotification}
}

func leftNotice(roomID, user string) Envelope {
	return Envelope{RoomID: roomID, User: user, Message: user + " has left the chat", Kind: KindNotification}
}

// inboundFrame is the parsed form of a client text frame.
type inboundFrame struct {
	Kind    Kind
	Message string
}

// parseFrame decodes a client frame leniently. A frame that is not a JSON
// object is rejected; a missing or non-string type means chat, and a
// non-string message is treated as empty.
func parseFrame(raw []byte) (inboundFrame, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return inboundFrame{}, false
	}

	frame := inboundFrame{Kind: KindChat}
	if t, ok := stringField(fields, "type"); ok {
		frame.Kind = Kind(t)
	}

	if frame.Kind == KindChat {
		frame.Message, _ = stringField(fields, "message")
	}
	return frame, true
}

func stringField(fields map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
