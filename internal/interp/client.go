package interp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope types understood by the interpreter script.
const (
	TypeEcho       = "echo"
	TypeExecute    = "execute"
	TypeIsComplete = "is_complete"
	TypeComplete   = "complete"
	TypeInfo       = "info"
)

// Observer is told about every round trip. It may be nil.
type Observer interface {
	ObserveRoundTrip(envType string, elapsed time.Duration, err error)
}

// Client issues typed requests over a Link.
type Client struct {
	link *Link
	obs  Observer
}

// NewClient wraps link. obs may be nil.
func NewClient(link *Link, obs Observer) *Client {
	return &Client{link: link, obs: obs}
}

func (c *Client) call(ctx context.Context, typ string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}

	start := time.Now()
	resp, err := c.link.SendRequest(ctx, Envelope{Type: typ, Payload: raw})
	if c.obs != nil {
		c.obs.ObserveRoundTrip(typ, time.Since(start), err)
	}
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if len(resp.Payload) == 0 {
		resp.Payload = json.RawMessage("null")
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", typ, err)
	}
	return nil
}

// Echo sends s and returns what the interpreter echoed back.
func (c *Client) Echo(ctx context.Context, s string) (string, error) {
	var got string
	if err := c.call(ctx, TypeEcho, s, &got); err != nil {
		return "", err
	}
	return got, nil
}

// ExecuteResult is the outcome of evaluating a chunk. A failed evaluation is
// not a Go error: Success is false and Values holds the traceback lines.
type ExecuteResult struct {
	Success bool
	Values  []string
}

// Text joins the returned values with tabs, the way print does.
func (r *ExecuteResult) Text() string {
	return strings.Join(r.Values, "\t")
}

type executePayload struct {
	Success  bool            `json:"success"`
	Returned json.RawMessage `json:"returned"`
}

// Execute evaluates code in the interpreter.
func (c *Client) Execute(ctx context.Context, code string) (*ExecuteResult, error) {
	var p executePayload
	if err := c.call(ctx, TypeExecute, code, &p); err != nil {
		return nil, err
	}
	values, err := flattenReturned(p.Returned)
	if err != nil {
		return nil, fmt.Errorf("decode execute payload: %w", err)
	}
	return &ExecuteResult{Success: p.Success, Values: values}, nil
}

// flattenReturned accepts either a single string or a list of values. Non
// string list items keep their JSON text.
func flattenReturned(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			var s string
			if json.Unmarshal(item, &s) == nil {
				out = append(out, s)
				continue
			}
			out = append(out, string(item))
		}
		return out, nil
	default:
		return []string{string(raw)}, nil
	}
}

// IsComplete returns the interpreter's verdict for code: "complete",
// "incomplete", "invalid" or "unknown".
func (c *Client) IsComplete(ctx context.Context, code string) (string, error) {
	var verdict string
	if err := c.call(ctx, TypeIsComplete, code, &verdict); err != nil {
		return "", err
	}
	return verdict, nil
}

type completeRequest struct {
	Breadcrumbs []string `json:"breadcrumbs"`
	OnlyMethods bool     `json:"only_methods"`
}

// Complete returns candidate names for the last breadcrumb.
func (c *Client) Complete(ctx context.Context, breadcrumbs []string, onlyMethods bool) ([]string, error) {
	if breadcrumbs == nil {
		breadcrumbs = []string{}
	}
	var matches []string
	if err := c.call(ctx, TypeComplete, completeRequest{Breadcrumbs: breadcrumbs, OnlyMethods: onlyMethods}, &matches); err != nil {
		return nil, err
	}
	return matches, nil
}

// InfoRecord describes the object a breadcrumb chain resolves to. For Lua
// functions Source is the debug.getinfo source ("@file.lua" for files).
type InfoRecord struct {
	Type            string `json:"type"`
	Repr            string `json:"repr"`
	Source          string `json:"source,omitempty"`
	LineDefined     int    `json:"linedefined,omitempty"`
	LastLineDefined int    `json:"lastlinedefined,omitempty"`
}

type infoRequest struct {
	Breadcrumbs []string `json:"breadcrumbs"`
}

// Info introspects the object named by breadcrumbs. A nil record means the
// interpreter found nothing.
func (c *Client) Info(ctx context.Context, breadcrumbs []string) (*InfoRecord, error) {
	if breadcrumbs == nil {
		breadcrumbs = []string{}
	}
	var raw json.RawMessage
	if err := c.call(ctx, TypeInfo, infoRequest{Breadcrumbs: breadcrumbs}, &raw); err != nil {
		return nil, err
	}
	if falsy(raw) {
		return nil, nil
	}
	var rec InfoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode info payload: %w", err)
	}
	return &rec, nil
}

func falsy(raw json.RawMessage) bool {
	switch string(bytes.TrimSpace(raw)) {
	case "", "null", "false", `""`, "0", "[]", "{}":
		return true
	}
	return false
}
