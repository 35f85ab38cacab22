package protocol

import "encoding/json"

// LocalizedString is a nested, localizable status payload. It round-trips
// through the envelope unchanged, including code/template/params, per
// spec.md §8's round-trip law for nested error objects.
type LocalizedString struct {
	Code     string                 `json:"code"`
	Template string                 `json:"template"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// Status carries a method failure back to the caller. Message may be a
// plain string or, when localization is in play, the caller can populate
// Localized instead and leave Message empty.
type Status struct {
	Code      string           `json:"code"`
	Message   string           `json:"message,omitempty"`
	Localized *LocalizedString `json:"localized,omitempty"`
}

// Envelope is the structured JSON-compatible document carried as the
// final frame of every request/reply, per spec.md §4.1. Exactly one of
// Args (request) or Data (successful reply) or Status (failed reply) is
// populated for a given message; Envelope is transparent to nested
// objects because Args/Data are kept as raw JSON until the call site
// unmarshals them into a concrete type.
type Envelope struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Status *Status         `json:"status,omitempty"`
}

// Encode marshals an Envelope to bytes for placement in a frame.
func Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode unmarshals a frame's bytes into an Envelope.
func Decode(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, NewBadArg("malformed envelope", err)
	}
	return e, nil
}

// NewRequestEnvelope builds a request envelope, marshaling args into the
// Args field.
func NewRequestEnvelope(method string, args interface{}) (*Envelope, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, NewBadArg("failed to encode request args", err)
	}
	return &Envelope{Method: method, Args: raw}, nil
}

// NewDataEnvelope builds a successful reply envelope.
func NewDataEnvelope(method string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, NewInternal("failed to encode reply data", err)
	}
	return &Envelope{Method: method, Data: raw}, nil
}

// NewStatusEnvelope builds a failure reply envelope from a protocol error.
func NewStatusEnvelope(method string, err *Error) *Envelope {
	return &Envelope{Method: method, Status: &Status{Code: err.Code, Message: err.Message}}
}

// Unmarshal decodes Args (or Data) into v.
func (e *Envelope) Unmarshal(v interface{}) error {
	raw := e.Args
	if len(raw) == 0 {
		raw = e.Data
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Failed reports whether the envelope carries a Status (i.e. an error
// reply rather than a successful one).
func (e *Envelope) Failed() bool {
	return e.Status != nil
}

// AsError converts a failed envelope's Status back into a *Error.
func (e *Envelope) AsError() *Error {
	if e.Status == nil {
		return nil
	}
	return New(e.Status.Code, e.Status.Message, nil)
}
