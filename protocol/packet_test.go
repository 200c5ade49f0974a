package protocol

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestNewId_IsRandomAndNonZeroMostOfTheTime(t *testing.T) {
	a, b := NewId(), NewId()
	require.NotEqual(t, a, b)
}

func TestNewConnectionChannelProcessId_DistinctNamespaces(t *testing.T) {
	// Each constructor draws independently from the same random source;
	// what matters is that two successive draws of the same kind differ.
	require.NotEqual(t, NewConnectionId(), NewConnectionId())
	require.NotEqual(t, NewChannelId(), NewChannelId())
	require.NotEqual(t, NewProcessId(), NewProcessId())
}

// TestUntypedRequest_DecodesAsTypedRequest is the crux of the manager's
// untyped passthrough: the manager never parses a
// domain payload, but re-marshaling the UntypedRequest it forwards must
// produce a frame a server dispatcher can decode straight into a
// TypedRequest. That only holds if Payload is carried as the original
// CBOR value (cbor.RawMessage), not re-wrapped as a byte string.
func TestUntypedRequest_DecodesAsTypedRequest(t *testing.T) {
	original := TypedRequest{
		Id:      Id(42),
		Payload: DomainRequest{SystemInfo: &SystemInfo{}},
	}
	b, err := cbor.Marshal(original)
	require.NoError(t, err)

	var untyped UntypedRequest
	require.NoError(t, cbor.Unmarshal(b, &untyped))
	require.Equal(t, original.Id, untyped.Id)

	// Forwarding rewrites only the id; the payload bytes pass through
	// untouched.
	forwarded := UntypedRequest{Id: Id(99), Header: untyped.Header, Payload: untyped.Payload}
	fb, err := cbor.Marshal(forwarded)
	require.NoError(t, err)

	var redecoded TypedRequest
	require.NoError(t, cbor.Unmarshal(fb, &redecoded))
	require.Equal(t, Id(99), redecoded.Id)
	require.NotNil(t, redecoded.Payload.SystemInfo)
}

func TestUntypedResponse_DecodesAsTypedResponse(t *testing.T) {
	original := TypedResponse{
		Id:       Id(7),
		OriginId: Id(42),
		Payload:  DomainResponse{ProcDone: &ProcDone{Id: 1, Success: true}},
	}
	b, err := cbor.Marshal(original)
	require.NoError(t, err)

	var untyped UntypedResponse
	require.NoError(t, cbor.Unmarshal(b, &untyped))

	fb, err := cbor.Marshal(untyped)
	require.NoError(t, err)

	var redecoded TypedResponse
	require.NoError(t, cbor.Unmarshal(fb, &redecoded))
	require.NotNil(t, redecoded.Payload.ProcDone)
	require.True(t, redecoded.Payload.ProcDone.Success)
}

func TestRequest_EmptyHeaderOmittedFromWire(t *testing.T) {
	req := Request{Id: Id(1), Payload: "x"}
	b, err := cbor.Marshal(req)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, cbor.Unmarshal(b, &generic))
	_, present := generic["header"]
	require.False(t, present, "empty header must be omitted, not encoded as an empty map")
}
