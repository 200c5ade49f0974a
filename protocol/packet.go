package protocol

import "github.com/fxamacker/cbor/v2"

// Id is a fresh opaque 64-bit value identifying a request, or (for a
// response) the fresh id of the response itself.
type Id uint64

// NewId draws a fresh random 64-bit id. Collision on an active transport
// is a protocol violation the caller must detect and treat as
// fatal.
func NewId() Id { return Id(newRandomId()) }

// Request is a typed request envelope. Header is optional metadata;
// Payload is the domain-specific request body.
type Request struct {
	Id      Id          `cbor:"id"`
	Header  Header      `cbor:"header,omitempty"`
	Payload interface{} `cbor:"payload"`
}

// Response is a typed response envelope. OriginId equals the Id of the
// request that produced it. A single request may produce zero, one, or
// many responses sharing OriginId.
type Response struct {
	Id       Id          `cbor:"id"`
	OriginId Id          `cbor:"origin_id"`
	Header   Header      `cbor:"header,omitempty"`
	Payload  interface{} `cbor:"payload"`
}

// UntypedRequest carries an undecoded payload. The manager forwards on
// this layer so it never needs to understand payload schema
// evolution. Payload is cbor.RawMessage rather than []byte: it
// holds the exact CBOR encoding the "payload" field would carry in a
// TypedRequest (a map, not a byte string), so re-marshaling an
// UntypedRequest produces a frame a typed reader (the remote server's
// dispatcher) decodes identically to one built directly as a
// TypedRequest.
type UntypedRequest struct {
	Id      Id              `cbor:"id"`
	Header  Header          `cbor:"header,omitempty"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// UntypedResponse is the untyped counterpart to UntypedRequest.
type UntypedResponse struct {
	Id       Id              `cbor:"id"`
	OriginId Id              `cbor:"origin_id"`
	Header   Header          `cbor:"header,omitempty"`
	Payload  cbor.RawMessage `cbor:"payload"`
}

// TypedRequest is a Request whose Payload is decoded straight into the
// closed DomainRequest tagged union, the shape the server dispatcher
// reads off the wire. The client mux works in terms of the
// looser Request/Response (Payload interface{}) so it never needs to
// import the domain enum; the server side always knows the schema.
type TypedRequest struct {
	Id      Id            `cbor:"id"`
	Header  Header        `cbor:"header,omitempty"`
	Payload DomainRequest `cbor:"payload"`
}

// TypedResponse is the response-side counterpart to TypedRequest.
type TypedResponse struct {
	Id       Id             `cbor:"id"`
	OriginId Id             `cbor:"origin_id"`
	Header   Header         `cbor:"header,omitempty"`
	Payload  DomainResponse `cbor:"payload"`
}
