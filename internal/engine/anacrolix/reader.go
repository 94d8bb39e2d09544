package anacrolix

import (
	"sync"

	"github.com/anacrolix/torrent"

	"torrentstream/internal/streamio"
)

// FileDiskReader adapts a *torrent.File into streamio.DiskReaderAt. It is
// only ever asked to read byte ranges the caller has already established
// are FINISHED (see streamio.TorrentInput.FillBuffer), so the underlying
// torrent.Reader read never blocks on network I/O — it is a local disk
// read through the engine's file-backed reader.
type FileDiskReader struct {
	mu     sync.Mutex
	reader torrent.Reader
}

// NewFileDiskReader wraps file's reader. The reader is read-ahead
// disabled since TorrentInput does its own bulk-read coalescing.
func NewFileDiskReader(file *torrent.File) *FileDiskReader {
	r := file.NewReader()
	r.SetReadahead(0)
	return &FileDiskReader{reader: r}
}

func (f *FileDiskReader) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.reader.Seek(off, 0); err != nil {
		return 0, err
	}
	return readFull(f.reader, p)
}

func (f *FileDiskReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reader.Close()
}

func readFull(r torrent.Reader, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := r.Read(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

var _ streamio.DiskReaderAt = (*FileDiskReader)(nil)
