// Package testutil contains stuff for testing torrent-related behaviour.
//
// "greeting" is a single-file torrent of a file called "greeting" that contains "hello,
// world\n".
package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/stretchr/testify/require"
)

const (
	GreetingFileContents = "hello, world\n"
	GreetingFileName     = "greeting"
)

var Greeting = Torrent{
	Files: []File{{
		Data: GreetingFileContents,
	}},
	Name: GreetingFileName,
}

// Deterministic pseudo-random data of length n.
func RandomData(seed int64, n int) string {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return string(b)
}

// A single 20 KiB file split into a full 16 KiB piece and a short 4 KiB one.
const TwoPiecesPieceLength = 16 << 10

func TwoPieces() Torrent {
	return Torrent{
		Name: "two-pieces.bin",
		Files: []File{{
			Data: RandomData(2, 20<<10),
		}},
	}
}

// A directory torrent with files that span piece boundaries.
func MultiFile() Torrent {
	return Torrent{
		Name: "multi",
		Files: []File{
			{Path: []string{"a.txt"}, Data: strings.Repeat("a", 10000)},
			{Path: []string{"sub", "b.bin"}, Data: RandomData(3, 30000)},
			{Path: []string{"empty"}, Data: ""},
			{Path: []string{"c"}, Data: "tail"},
		},
	}
}

type tt interface {
	require.TestingT
	TempDir() string
}

// Generates a fresh directory under the test's temp dir.
func Autodir(t tt) string {
	dir, err := os.MkdirTemp(t.TempDir(), "")
	require.NoError(t, err)
	return dir
}

// Writes the torrent's files below dir, as a completed download would have them.
func WriteData(t tt, dir string, tor Torrent) {
	for _, f := range tor.Files {
		p := filepath.Join(append([]string{dir, tor.Name}, f.Path...)...)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(f.Data), 0o640))
	}
}
