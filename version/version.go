// Package version provides default versions, user-agents etc. for client identification.
package version

import (
	"fmt"
	"runtime/debug"
)

const modulePath = "github.com/anacrolix/torrent-handler"

var (
	// Sent as "v" in the extended handshake.
	DefaultExtendedHandshakeClientVersion string
	// Should be bumped when behaviour visible to other peers changes.
	DefaultBep20Prefix   = Fingerprint("TH", 0, 1, 0, 0)
	DefaultHttpUserAgent string
	DefaultUpnpId        string
)

func init() {
	var (
		mainPath      = "unknown"
		mainVersion   = "unknown"
		moduleVersion = "unknown"
	)
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		mainPath = buildInfo.Main.Path
		mainVersion = buildInfo.Main.Version
		// When this module is the main module the version is "(devel)".
		for _, dep := range append(buildInfo.Deps, &buildInfo.Main) {
			if dep.Path == modulePath {
				moduleVersion = dep.Version
			}
		}
	}
	DefaultExtendedHandshakeClientVersion = fmt.Sprintf("torrent-handler %v", moduleVersion)
	DefaultUpnpId = fmt.Sprintf("%v %v", mainPath, mainVersion)
	DefaultHttpUserAgent = fmt.Sprintf("torrent-handler/%v", moduleVersion)
}
