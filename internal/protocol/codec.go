package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSignature   = errors.New("protocol: signature verification failed")
	ErrNoDelimiter = errors.New("protocol: message delimiter not found")
	ErrShort       = errors.New("protocol: message has fewer than five signed parts")
)

// DecodeError reports a JSON block that failed to decode.
type DecodeError struct {
	Block string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: decode %s: %v", e.Block, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec parses and builds signed multipart wire messages. One Codec owns one
// session id for its whole lifetime.
type Codec struct {
	signer   *Signer
	session  string
	username string
	now      func() time.Time
	newID    func() string
}

// NewCodec returns a Codec using signer (nil for unsigned mode).
func NewCodec(signer *Signer) *Codec {
	return &Codec{
		signer:   signer,
		session:  uuid.NewString(),
		username: currentUser(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Session returns the per-process session id stamped into built headers.
func (c *Codec) Session() string { return c.session }

// Signed reports whether messages are signed and verified.
func (c *Codec) Signed() bool { return c.signer != nil }

// Parse splits frames at the delimiter, verifies the signature and decodes
// the four JSON blocks. The frames before the delimiter are returned as the
// routing identities. Frames after the content block are ignored.
func (c *Codec) Parse(frames [][]byte) (*Message, [][]byte, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, Delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, ErrNoDelimiter
	}
	identities := frames[:idx]
	parts := frames[idx+1:]
	if len(parts) < 5 {
		return nil, identities, ErrShort
	}
	signature, header, parent, metadata, content := parts[0], parts[1], parts[2], parts[3], parts[4]

	if err := c.signer.Verify(signature, header, parent, metadata, content); err != nil {
		return nil, identities, err
	}

	msg := &Message{RawContent: json.RawMessage(content)}
	if err := decodeBlock("header", header, &msg.Header); err != nil {
		return nil, identities, err
	}
	if err := decodeBlock("parent_header", parent, &msg.Parent); err != nil {
		return nil, identities, err
	}
	if err := decodeBlock("metadata", metadata, &msg.Metadata); err != nil {
		return nil, identities, err
	}
	if err := decodeBlock("content", content, &msg.Content); err != nil {
		return nil, identities, err
	}
	return msg, identities, nil
}

// Build returns [delimiter, signature, header, parent, metadata, content]
// for a fresh message of msgType. A nil parent serializes as {}; a parsed
// one is copied byte for byte.
func (c *Codec) Build(msgType string, content any, parent *Header, metadata map[string]any) ([][]byte, error) {
	header := Header{
		MsgID:    c.newID(),
		Username: c.username,
		Session:  c.session,
		Date:     c.now().UTC().Format(time.RFC3339Nano),
		MsgType:  msgType,
		Version:  Version,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	parentJSON := []byte("{}")
	if parent != nil && !parent.IsZero() {
		if parentJSON, err = json.Marshal(parent); err != nil {
			return nil, fmt.Errorf("marshal parent header: %w", err)
		}
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	signature := c.signer.Sign(headerJSON, parentJSON, metadataJSON, contentJSON)
	return [][]byte{Delimiter, signature, headerJSON, parentJSON, metadataJSON, contentJSON}, nil
}

func decodeBlock(name string, raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Block: name, Err: err}
	}
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	for _, env := range []string{"USER", "USERNAME", "LOGNAME"} {
		if name := os.Getenv(env); name != "" {
			return name
		}
	}
	return "username"
}
