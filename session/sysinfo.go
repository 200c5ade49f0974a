package session

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/distantsys/distant/protocol"
)

// SystemInfo answers a SystemInfo request with static facts about the
// host.
func SystemInfo() protocol.SystemInfoReply {
	wd, _ := os.Getwd()
	uname := ""
	if u, err := user.Current(); err == nil {
		uname = u.Username
	}
	shell := os.Getenv("SHELL")
	if runtime.GOOS == "windows" {
		shell = os.Getenv("COMSPEC")
	}
	return protocol.SystemInfoReply{
		Family:        runtime.GOOS,
		Arch:          runtime.GOARCH,
		CurrentDir:    wd,
		MainSeparator: string(filepath.Separator),
		Username:      uname,
		Shell:         shell,
	}
}
