package version

import (
	"fmt"
)

// Maps 0-9 to '0'-'9' and 10-35 to 'A'-'Z'.
func versionChar(v int) byte {
	switch {
	case v >= 0 && v < 10:
		return byte('0' + v)
	case v >= 10 && v < 36:
		return byte('A' + (v - 10))
	default:
		panic(fmt.Sprintf("version component out of range: %d", v))
	}
}

// Fingerprint builds an Azureus-style BEP 20 peer ID prefix, for example Fingerprint("TH", 0, 1,
// 0, 0) returns "-TH0100-".
func Fingerprint(client string, major, minor, revision, tag int) string {
	if len(client) != 2 {
		client = "--"
	}
	return string([]byte{
		'-',
		client[0],
		client[1],
		versionChar(major),
		versionChar(minor),
		versionChar(revision),
		versionChar(tag),
		'-',
	})
}
