//go:build !(linux || darwin || freebsd)

package storage

func freeSpace(path string) (int64, bool, error) {
	return 0, false, nil
}
