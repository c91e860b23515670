package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// EventKind names an inbound relay notification.
type EventKind string

const (
	EventSessionProposal EventKind = "session_proposal"
	EventSessionRequest  EventKind = "session_request"
	EventSessionDelete   EventKind = "session_delete"
)

// RequestID keeps the peer's id token exactly as received (a JSON number or
// string) so the response can echo it byte for byte.
type RequestID string

// NumericID returns the RequestID for a numeric JSON id.
func NumericID(n int64) RequestID {
	return RequestID(strconv.FormatInt(n, 10))
}

// StringID returns the RequestID for a string JSON id.
func StringID(s string) RequestID {
	b, _ := json.Marshal(s)
	return RequestID(b)
}

func (id RequestID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (id *RequestID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	*id = RequestID(b)
	return nil
}

// String returns the id in display form; string ids lose their quotes.
func (id RequestID) String() string {
	if len(id) > 0 && id[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(id), &s); err == nil {
			return s
		}
	}
	return string(id)
}

// Metadata describes the peer application.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons,omitempty"`
}

// Namespace is the set of chains, methods and events a proposal requests.
type Namespace struct {
	Chains  []string `json:"chains"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// SessionNamespace is what the wallet grants on approval.
type SessionNamespace struct {
	Chains   []string `json:"chains"`
	Accounts []string `json:"accounts"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

// Proposal is a peer's request to open a session.
type Proposal struct {
	ID                 RequestID            `json:"id"`
	PairingTopic       string               `json:"pairingTopic"`
	Proposer           Metadata             `json:"proposer"`
	RequiredNamespaces map[string]Namespace `json:"requiredNamespaces"`
	OptionalNamespaces map[string]Namespace `json:"optionalNamespaces,omitempty"`
}

// Request is a command invocation from a peer on an approved session.
type Request struct {
	ID      RequestID       `json:"id"`
	Topic   string          `json:"topic"`
	ChainID string          `json:"chainId,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID      RequestID       `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error member of a failed Response.
type ResponseError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Event is one inbound notification. Exactly one of Proposal, Request or
// Topic (for deletes) is set according to Kind.
type Event struct {
	Kind     EventKind
	Proposal *Proposal
	Request  *Request
	Topic    string
}
