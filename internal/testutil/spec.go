package testutil

import (
	"bytes"
	"crypto/sha1"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
)

type File struct {
	// Path components below the torrent name. Ignored for single-file torrents.
	Path []string
	Data string
}

type Torrent struct {
	Files []File
	Name  string
}

func (t *Torrent) IsDir() bool {
	return len(t.Files) != 1 || len(t.Files[0].Path) != 0
}

// The concatenated data of every file, which is what the pieces hash.
func (t *Torrent) Data() []byte {
	var buf bytes.Buffer
	for _, f := range t.Files {
		buf.WriteString(f.Data)
	}
	return buf.Bytes()
}

func (t *Torrent) Info(pieceLength int64) metainfo.Info {
	info := metainfo.Info{
		Name:        t.Name,
		PieceLength: pieceLength,
	}
	if t.IsDir() {
		for _, f := range t.Files {
			info.Files = append(info.Files, metainfo.FileInfo{
				Path:   f.Path,
				Length: int64(len(f.Data)),
			})
		}
	} else {
		info.Length = int64(len(t.Files[0].Data))
	}
	info.Pieces = PieceHashes(t.Data(), pieceLength)
	return info
}

// SHA-1 of each piece of data, concatenated.
func PieceHashes(data []byte, pieceLength int64) (ret []byte) {
	for off := int64(0); off < int64(len(data)); off += pieceLength {
		end := min(off+pieceLength, int64(len(data)))
		h := sha1.Sum(data[off:end])
		ret = append(ret, h[:]...)
	}
	return
}

func (t *Torrent) InfoBytes(pieceLength int64) []byte {
	b, err := bencode.Marshal(t.Info(pieceLength))
	if err != nil {
		panic(err)
	}
	return b
}

func (t *Torrent) Metainfo(pieceLength int64) *metainfo.MetaInfo {
	return &metainfo.MetaInfo{
		InfoBytes: t.InfoBytes(pieceLength),
	}
}

func (t *Torrent) InfoHash(pieceLength int64) metainfo.Hash {
	return metainfo.HashBytes(t.InfoBytes(pieceLength))
}

// The data of a single piece.
func (t *Torrent) Piece(pieceLength int64, index int) []byte {
	data := t.Data()
	off := int64(index) * pieceLength
	return data[off:min(off+pieceLength, int64(len(data)))]
}
