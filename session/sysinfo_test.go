package session

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemInfo_ReportsHostFacts(t *testing.T) {
	info := SystemInfo()
	require.Equal(t, runtime.GOOS, info.Family)
	require.Equal(t, runtime.GOARCH, info.Arch)
	require.NotEmpty(t, info.CurrentDir)
	require.NotEmpty(t, info.MainSeparator)
}
