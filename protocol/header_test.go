package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeader_GetAndString(t *testing.T) {
	h := Header{"name": "distant", "count": 3}

	v, ok := h.Get("name")
	require.True(t, ok)
	require.Equal(t, "distant", v)

	require.Equal(t, "distant", h.String("name"))
	require.Equal(t, "", h.String("missing"))
	require.Equal(t, "", h.String("count"), "non-string values report empty via String")

	_, ok = h.Get("missing")
	require.False(t, ok)
}

func TestHeader_NilIsSafeToRead(t *testing.T) {
	var h Header
	_, ok := h.Get("anything")
	require.False(t, ok)
	require.Equal(t, "", h.String("anything"))
}
