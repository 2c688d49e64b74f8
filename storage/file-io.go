package storage

import (
	"io"
	"os"
	"sort"

	"github.com/anacrolix/torrent-handler/metadata"
)

type fileExtent struct {
	// Index into the torrent's files.
	index   int
	fileOff int64
	// Position and length within the torrent-space range being mapped.
	bufOff int64
	n      int64
}

// Maps the torrent-space range [off, off+n) onto file extents, skipping empty files.
func fileExtents(files []metadata.File, off, n int64) (ret []fileExtent) {
	i := sort.Search(len(files), func(i int) bool {
		return files[i].Offset+files[i].Length > off
	})
	end := off + n
	for pos := off; i < len(files) && pos < end; i++ {
		f := files[i]
		if f.Length == 0 {
			continue
		}
		fileEnd := f.Offset + f.Length
		extEnd := min(end, fileEnd)
		ret = append(ret, fileExtent{
			index:   i,
			fileOff: pos - f.Offset,
			bufOff:  pos - off,
			n:       extEnd - pos,
		})
		pos = extEnd
	}
	return
}

type fileIo struct {
	files []*os.File
	md    *metadata.TorrentMetadata
}

func (me fileIo) WriteAt(b []byte, off int64) (n int, err error) {
	for _, e := range fileExtents(me.md.Files, off, int64(len(b))) {
		var n1 int
		n1, err = me.files[e.index].WriteAt(b[e.bufOff:e.bufOff+e.n], e.fileOff)
		n += n1
		if err != nil {
			return
		}
	}
	if n != len(b) {
		err = io.ErrShortWrite
	}
	return
}

func (me fileIo) ReadAt(b []byte, off int64) (n int, err error) {
	for _, e := range fileExtents(me.md.Files, off, int64(len(b))) {
		var n1 int
		n1, err = me.files[e.index].ReadAt(b[e.bufOff:e.bufOff+e.n], e.fileOff)
		n += n1
		if err == io.EOF && int64(n1) == e.n {
			err = nil
		}
		if err != nil {
			return
		}
	}
	if n != len(b) {
		err = io.ErrUnexpectedEOF
	}
	return
}
