//go:build linux || darwin || freebsd

package storage

import (
	"golang.org/x/sys/unix"
)

// Bytes available to unprivileged users on the filesystem containing path.
func freeSpace(path string) (_ int64, ok bool, err error) {
	var st unix.Statfs_t
	err = unix.Statfs(path, &st)
	if err != nil {
		return
	}
	return int64(uint64(st.Bavail) * uint64(st.Bsize)), true, nil
}
