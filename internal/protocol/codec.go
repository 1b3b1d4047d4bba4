package protocol

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Inbound is one decoded client frame: Text, File, Typing, Seen or Unknown.
type Inbound interface {
	inbound()
}

// Text is a chat message.
type Text struct {
	Text      string
	TS        string
	Encrypted Flag
	MessageID json.RawMessage
}

// File is a file message.
type File struct {
	Filename  string
	Data      string
	TS        string
	Encrypted Flag
	MessageID json.RawMessage
}

// Typing is a typing indicator.
type Typing struct{}

// Seen is a read receipt.
type Seen struct {
	MessageID json.RawMessage
}

// Unknown is a structured frame with a type the relay does not handle.
type Unknown struct {
	Type string
}

func (Text) inbound()    {}
func (File) inbound()    {}
func (Typing) inbound()  {}
func (Seen) inbound()    {}
func (Unknown) inbound() {}

const defaultFilename = "file"

// Decode turns a raw frame into an Inbound. It never fails: a frame that is
// not a JSON object becomes a Text carrying the raw frame.
func Decode(raw []byte) Inbound {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Bare(raw)
	}

	typ := TypeMessage
	if v, ok := fields["type"]; ok {
		s, isString := asString(v)
		if !isString {
			return Unknown{Type: string(v)}
		}
		typ = s
	}

	switch typ {
	case TypeMessage:
		return Text{
			Text:      stringField(fields, "text", ""),
			TS:        stringField(fields, "ts", ""),
			Encrypted: truthy(fields["encrypted"]),
			MessageID: fields["messageId"],
		}
	case TypeFile:
		return File{
			Filename:  stringField(fields, "filename", defaultFilename),
			Data:      stringField(fields, "data", ""),
			TS:        stringField(fields, "ts", ""),
			Encrypted: truthy(fields["encrypted"]),
			MessageID: fields["messageId"],
		}
	case TypeTyping:
		return Typing{}
	case TypeSeen:
		return Seen{MessageID: fields["messageId"]}
	default:
		return Unknown{Type: typ}
	}
}

// Bare is the fallback interpretation of an undecodable frame.
func Bare(raw []byte) Text {
	return Text{Text: string(raw)}
}

// stringField reads a string field. Missing or null yields def; a non-string
// value is carried as its JSON text.
func stringField(fields map[string]json.RawMessage, key, def string) string {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return def
	}
	if s, ok := asString(v); ok {
		return s
	}
	return string(v)
}

func asString(v json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", false
	}
	return s, true
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// truthy coerces any JSON value to a flag: false, null, 0, "", [] and {} are
// false, everything else is true.
func truthy(v json.RawMessage) Flag {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return false
	}
	switch v[0] {
	case 't':
		return true
	case 'f', 'n':
		return false
	case '"':
		s, _ := asString(v)
		return s != ""
	case '[', '{':
		var x []any
		if err := json.Unmarshal(v, &x); err == nil {
			return len(x) > 0
		}
		var m map[string]any
		if err := json.Unmarshal(v, &m); err == nil {
			return len(m) > 0
		}
		return false
	default:
		f, err := strconv.ParseFloat(string(v), 64)
		return err == nil && f != 0
	}
}
