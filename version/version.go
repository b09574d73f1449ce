// Package version holds build information injected with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/projecteru2/warren/version.REVISION=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"
)

var (
	NAME     = "warren"
	VERSION  = "unknown"
	REVISION = "HEAD"
	BUILTAT  = "now"
)

// String returns the multi-line version report printed by "warren version".
func String() string {
	version := ""
	version += fmt.Sprintf("Version:        %s\n", VERSION)
	version += fmt.Sprintf("Git hash:       %s\n", REVISION)
	version += fmt.Sprintf("Built:          %s\n", BUILTAT)
	version += fmt.Sprintf("Golang version: %s\n", runtime.Version())
	version += fmt.Sprintf("OS/Arch:        %s/%s\n", runtime.GOOS, runtime.GOARCH)
	return version
}

// Short is NAME VERSION.
func Short() string { return NAME + " " + VERSION }
