package protocol

import "encoding/json"

// Version is the wire protocol version stamped into every built header.
const Version = "5.3"

// Delimiter separates routing identities from the signed blocks.
var Delimiter = []byte("<IDS|MSG>")

// Header identifies a single wire message. A header decoded from the wire
// keeps its original bytes in Raw and marshals back to them unchanged, so a
// reply's parent_header carries every field the frontend sent.
type Header struct {
	MsgID    string `json:"msg_id"`
	Username string `json:"username"`
	Session  string `json:"session"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`

	Raw json.RawMessage `json:"-"`
}

// plainHeader has Header's fields without its JSON methods.
type plainHeader Header

// MarshalJSON emits Raw when present, otherwise the known fields.
func (h Header) MarshalJSON() ([]byte, error) {
	if len(h.Raw) > 0 {
		return h.Raw, nil
	}
	return json.Marshal(plainHeader(h))
}

// UnmarshalJSON decodes the known fields and keeps a copy of data in Raw.
func (h *Header) UnmarshalJSON(data []byte) error {
	var p plainHeader
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*h = Header(p)
	h.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// IsZero reports whether h is the empty header used for unparented messages.
func (h Header) IsZero() bool {
	return h.MsgID == "" && h.Username == "" && h.Session == "" &&
		h.Date == "" && h.MsgType == "" && h.Version == "" && isEmptyObject(h.Raw)
}

func isEmptyObject(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil && len(m) == 0
}

// Message is a decoded wire message. Each JSON block is kept both decoded
// and raw so handlers can bind Content onto typed request structs.
type Message struct {
	Header   Header
	Parent   Header
	Metadata map[string]any
	Content  map[string]any

	RawContent json.RawMessage
}

// DecodeContent unmarshals the raw content block into v.
func (m *Message) DecodeContent(v any) error {
	if len(m.RawContent) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(m.RawContent, v)
}
