// ABOUTME: Frame taxonomy and JSON codec for the relay tunnel wire protocol.
// ABOUTME: One JSON object per message; tagged by the "type" field.

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed indicates a frame that could not be parsed or fails tag
// validation. Transport loops log and drop these; they never escape to
// application code.
var ErrMalformed = errors.New("malformed frame")

// Frame types carried in the "type" field.
const (
	TypeCall      = "call"
	TypeResponse  = "response"
	TypeStatus    = "status"
	TypeHeartbeat = "heartbeat"
)

// Broker action names recognized by the relay agent. Unknown actions yield
// an error response frame, not a protocol fault.
const (
	ActionGetAccounts          = "get_accounts"
	ActionGetPositions         = "get_positions"
	ActionGetPortfolio         = "get_portfolio"
	ActionGetPrice             = "get_price"
	ActionGetOptionExpirations = "get_option_expirations"
	ActionGetOptionStrikes     = "get_option_strikes"
	ActionGetOptionData        = "get_option_data"
	ActionGetOptionChain       = "get_option_chain"
)

// Frame is the unit on the wire: a tagged union over call, response,
// status, and heartbeat messages.
//
//   - call:      ID, Action, Params
//   - response:  ID, and exactly one of Data or Error
//   - status:    IBKRConnected, Account
//   - heartbeat: nothing beyond the tag
type Frame struct {
	ID     string          `json:"id,omitempty"`
	Type   string          `json:"type"`
	Action string          `json:"action,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Status fields. An absent ibkr_connected decodes as false, matching
	// the backend's defaulting behavior.
	IBKRConnected bool    `json:"ibkr_connected,omitempty"`
	Account       *string `json:"account,omitempty"`
}

// Decode parses and validates a single wire frame. Any parse failure or
// tag-level violation is reported as ErrMalformed (wrapped with detail).
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode serializes a frame after validating it.
func Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Validate checks the tag-dependent field requirements.
func (f *Frame) Validate() error {
	switch f.Type {
	case TypeCall:
		if f.ID == "" {
			return fmt.Errorf("%w: call frame missing id", ErrMalformed)
		}
		if f.Action == "" {
			return fmt.Errorf("%w: call frame missing action", ErrMalformed)
		}
	case TypeResponse:
		if f.ID == "" {
			return fmt.Errorf("%w: response frame missing id", ErrMalformed)
		}
		if len(f.Data) > 0 && f.Error != "" {
			return fmt.Errorf("%w: response frame carries both data and error", ErrMalformed)
		}
	case TypeStatus, TypeHeartbeat:
		// No required fields.
	case "":
		return fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
	}
	return nil
}

// NewCall builds a call frame. Params are marshaled immediately so encode
// errors surface at the call site rather than in the transport loop.
func NewCall(id, action string, params any) (*Frame, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params for %s: %w", action, err)
	}
	return &Frame{ID: id, Type: TypeCall, Action: action, Params: raw}, nil
}

// NewResult builds a success response frame carrying the given payload.
func NewResult(id string, data any) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling response data: %w", err)
	}
	return &Frame{ID: id, Type: TypeResponse, Data: raw}, nil
}

// NewError builds a failure response frame.
func NewError(id, description string) *Frame {
	return &Frame{ID: id, Type: TypeResponse, Error: description}
}

// NewStatus builds a status frame. Account may be nil when the broker
// session has no selected account.
func NewStatus(ibkrConnected bool, account *string) *Frame {
	return &Frame{Type: TypeStatus, IBKRConnected: ibkrConnected, Account: account}
}

// NewHeartbeat builds a bare heartbeat frame.
func NewHeartbeat() *Frame {
	return &Frame{Type: TypeHeartbeat}
}
