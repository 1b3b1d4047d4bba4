package protocol

import (
	"encoding/json"
	"sort"
)

// Message types used by the relay protocol.
const (
	TypeMessage  = "message"
	TypeFile     = "file"
	TypeTyping   = "typing"
	TypeSeen     = "seen"
	TypeUsers    = "users"
	TypePresence = "presence"
	TypeError    = "error"
)

// Presence events.
const (
	EventJoin  = "join"
	EventLeave = "leave"
)

// ErrInvalidPassword is the only error text a client ever receives.
const ErrInvalidPassword = "Invalid room password"

// Flag is the 0/1 "encrypted" marker. It is carried, never interpreted.
type Flag bool

// MarshalJSON always emits 0 or 1.
func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

// Int returns the flag as the integer stored in the message log.
func (f Flag) Int() int {
	if f {
		return 1
	}
	return 0
}

// ErrorMsg is sent once before the connection is closed.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UsersMsg carries the sorted display names of everyone in the room.
// Names are not unique; duplicates are kept.
type UsersMsg struct {
	Type string   `json:"type"`
	List []string `json:"list"`
}

// PresenceMsg announces a join or leave.
type PresenceMsg struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Name  string `json:"name"`
}

// TypingMsg relays a typing indicator.
type TypingMsg struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// SeenMsg relays a read receipt.
type SeenMsg struct {
	Type      string          `json:"type"`
	MessageID json.RawMessage `json:"messageId"`
	By        string          `json:"by"`
}

// ChatMsg relays a text message.
type ChatMsg struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Text      string          `json:"text"`
	TS        string          `json:"ts"`
	Encrypted Flag            `json:"encrypted"`
	MessageID json.RawMessage `json:"messageId"`
}

// FileMsg relays a file message. Data is opaque (usually a data URI).
type FileMsg struct {
	Type      string          `json:"type"`
	Name      string          `json:"name"`
	Filename  string          `json:"filename"`
	Data      string          `json:"data"`
	TS        string          `json:"ts"`
	Encrypted Flag            `json:"encrypted"`
	MessageID json.RawMessage `json:"messageId"`
}

// NewError builds the password mismatch envelope.
func NewError(msg string) ErrorMsg { return ErrorMsg{Type: TypeError, Message: msg} }

// NewUsers sorts a copy of names.
func NewUsers(names []string) UsersMsg {
	list := make([]string, len(names))
	copy(list, names)
	sort.Strings(list)
	return UsersMsg{Type: TypeUsers, List: list}
}

func NewPresence(event, name string) PresenceMsg {
	return PresenceMsg{Type: TypePresence, Event: event, Name: name}
}

func NewTyping(name string) TypingMsg { return TypingMsg{Type: TypeTyping, Name: name} }

func NewSeen(in Seen, by string) SeenMsg {
	return SeenMsg{Type: TypeSeen, MessageID: orNull(in.MessageID), By: by}
}

func NewChat(in Text, name string) ChatMsg {
	return ChatMsg{
		Type:      TypeMessage,
		Name:      name,
		Text:      in.Text,
		TS:        in.TS,
		Encrypted: in.Encrypted,
		MessageID: orEmptyString(in.MessageID),
	}
}

func NewFile(in File, name string) FileMsg {
	return FileMsg{
		Type:      TypeFile,
		Name:      name,
		Filename:  in.Filename,
		Data:      in.Data,
		TS:        in.TS,
		Encrypted: in.Encrypted,
		MessageID: orEmptyString(in.MessageID),
	}
}

// Encode marshals an outbound envelope. The envelope types above cannot fail
// to marshal, so a failure here is a programming error and yields nil.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

var (
	emptyString = json.RawMessage(`""`)
	null        = json.RawMessage(`null`)
)

func orEmptyString(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return emptyString
	}
	return id
}

func orNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return null
	}
	return id
}
