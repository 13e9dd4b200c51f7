// Package nostrtype defines the relay wire types shared by internal/relay and
// internal/dvm: events, tags, filters, and the array-framed protocol messages
// described in spec.md §6.
package nostrtype

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Tag is a single Nostr-style tag: ["i", "hello", "text"], ["e", id], etc.
type Tag []string

// Key returns the tag's leading identifier, or "" for an empty tag.
func (t Tag) Key() string {
	if len(t) == 0 {
		return ""
	}
	return t[0]
}

// Value returns the element at index i, or "" if out of range.
func (t Tag) Value(i int) string {
	if i < 0 || i >= len(t) {
		return ""
	}
	return t[i]
}

// Event is the relay-level message envelope. Signing/verification is an
// external capability (spec.md Non-goals) — Sig is carried opaquely.
type Event struct {
	ID        string          `json:"id"`
	PubKey    string          `json:"pubkey"`
	CreatedAt int64           `json:"created_at"`
	Kind      int             `json:"kind"`
	Tags      []Tag           `json:"tags"`
	Content   string          `json:"content"`
	Sig       string          `json:"sig"`
}

// FirstTag returns the first tag with the given key, or nil.
func (e *Event) FirstTag(key string) Tag {
	for _, t := range e.Tags {
		if t.Key() == key {
			return t
		}
	}
	return nil
}

// TagsWithKey returns all tags with the given key, preserving order.
func (e *Event) TagsWithKey(key string) []Tag {
	var out []Tag
	for _, t := range e.Tags {
		if t.Key() == key {
			out = append(out, t)
		}
	}
	return out
}

// Filter is a relay subscription filter (NIP-01 shaped, fields we actually use).
type Filter struct {
	IDs     []string         `json:"ids,omitempty"`
	Authors []string         `json:"authors,omitempty"`
	Kinds   []int            `json:"kinds,omitempty"`
	Since   *int64           `json:"since,omitempty"`
	Until   *int64           `json:"until,omitempty"`
	Limit   int              `json:"limit,omitempty"`
	Tags    map[string][]string `json:"-"`
}

// MarshalJSON flattens Tags into the "#<letter>" filter fields NIP-01 expects.
func (f Filter) MarshalJSON() ([]byte, error) {
	m := map[string]interface{}{}
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	for k, v := range f.Tags {
		m["#"+k] = v
	}
	return json.Marshal(m)
}

var (
	// ErrShapeMismatch is returned when an inbound frame does not match any
	// known shape. Relay callers treat it as a Protocol error (spec.md §7).
	ErrShapeMismatch = errors.New("nostrtype: frame shape mismatch")
	// ErrUnknownTag is returned for a leading tag the decoder does not
	// recognize; callers log and ignore rather than treating it as fatal.
	ErrUnknownTag = errors.New("nostrtype: unknown frame tag")
)

// Outbound frame constructors — arrays per spec.md §6.

// EncodeEvent builds `["EVENT", <event>]`.
func EncodeEvent(ev *Event) ([]byte, error) {
	return json.Marshal([]interface{}{"EVENT", ev})
}

// EncodeReq builds `["REQ", sub_id, filter1, filter2, ...]`.
func EncodeReq(subID string, filters []Filter) ([]byte, error) {
	arr := make([]interface{}, 0, len(filters)+2)
	arr = append(arr, "REQ", subID)
	for _, f := range filters {
		arr = append(arr, f)
	}
	return json.Marshal(arr)
}

// EncodeClose builds `["CLOSE", sub_id]`.
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{"CLOSE", subID})
}

// Incoming frame kinds.
type FrameKind int

const (
	FrameEvent FrameKind = iota
	FrameOK
	FrameEOSE
	FrameNotice
	FrameAuth
)

// Incoming is a strictly-parsed inbound frame. Only the fields annotated
// with its Kind are populated.
type Incoming struct {
	Kind FrameKind

	SubID    string // FrameEvent, FrameEOSE
	Event    *Event // FrameEvent
	EventID  string // FrameOK
	Accepted bool   // FrameOK
	Message  string // FrameOK
	Text     string // FrameNotice
	Challenge string // FrameAuth
}

// DecodeIncoming strictly parses one inbound relay frame. Shape mismatches on
// a recognized leading tag return ErrShapeMismatch; an unrecognized leading
// tag returns ErrUnknownTag so the caller can log-and-ignore per spec.md §6.
func DecodeIncoming(raw []byte) (*Incoming, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, fmt.Errorf("%w: not a JSON array: %v", ErrShapeMismatch, err)
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrShapeMismatch)
	}

	var tag string
	if err := json.Unmarshal(arr[0], &tag); err != nil {
		return nil, fmt.Errorf("%w: leading element not a string", ErrShapeMismatch)
	}

	switch tag {
	case "EVENT":
		if len(arr) != 3 {
			return nil, fmt.Errorf("%w: EVENT wants 3 elements, got %d", ErrShapeMismatch, len(arr))
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, fmt.Errorf("%w: EVENT sub_id not a string", ErrShapeMismatch)
		}
		var ev Event
		if err := json.Unmarshal(arr[2], &ev); err != nil {
			return nil, fmt.Errorf("%w: EVENT payload not an object: %v", ErrShapeMismatch, err)
		}
		return &Incoming{Kind: FrameEvent, SubID: subID, Event: &ev}, nil

	case "OK":
		if len(arr) != 4 {
			return nil, fmt.Errorf("%w: OK wants 4 elements, got %d", ErrShapeMismatch, len(arr))
		}
		var eventID, msg string
		var accepted bool
		if err := json.Unmarshal(arr[1], &eventID); err != nil {
			return nil, fmt.Errorf("%w: OK event_id not a string", ErrShapeMismatch)
		}
		if err := json.Unmarshal(arr[2], &accepted); err != nil {
			return nil, fmt.Errorf("%w: OK accepted not a bool", ErrShapeMismatch)
		}
		if err := json.Unmarshal(arr[3], &msg); err != nil {
			return nil, fmt.Errorf("%w: OK message not a string", ErrShapeMismatch)
		}
		return &Incoming{Kind: FrameOK, EventID: eventID, Accepted: accepted, Message: msg}, nil

	case "EOSE":
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: EOSE wants 2 elements, got %d", ErrShapeMismatch, len(arr))
		}
		var subID string
		if err := json.Unmarshal(arr[1], &subID); err != nil {
			return nil, fmt.Errorf("%w: EOSE sub_id not a string", ErrShapeMismatch)
		}
		return &Incoming{Kind: FrameEOSE, SubID: subID}, nil

	case "NOTICE":
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: NOTICE wants 2 elements, got %d", ErrShapeMismatch, len(arr))
		}
		var text string
		if err := json.Unmarshal(arr[1], &text); err != nil {
			return nil, fmt.Errorf("%w: NOTICE text not a string", ErrShapeMismatch)
		}
		return &Incoming{Kind: FrameNotice, Text: text}, nil

	case "AUTH":
		if len(arr) != 2 {
			return nil, fmt.Errorf("%w: AUTH wants 2 elements, got %d", ErrShapeMismatch, len(arr))
		}
		var challenge string
		if err := json.Unmarshal(arr[1], &challenge); err != nil {
			return nil, fmt.Errorf("%w: AUTH challenge not a string", ErrShapeMismatch)
		}
		return &Incoming{Kind: FrameAuth, Challenge: challenge}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
}
