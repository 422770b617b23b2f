package directory

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/viant/bintly"

	"github.com/coredb/pagestore/page"
)

const (
	logName   = "manifest.log"
	imageName = "manifest.image"
	// recordHeaderSize is [sequence:8][durableAt:8][payloadLen:4][crc32:4].
	recordHeaderSize = 8 + 8 + 4 + 4
)

// manifestLog is the append log backing Directory.apply, plus the
// periodic image it compacts into. Framing (a fixed header carrying the
// payload length and a CRC32 of the payload, truncate-on-first-invalid-
// record recovery) is grounded on mmapstore's record framing; this
// repository's blobstore package likewise keeps length and checksum in a
// fixed record header.
type manifestLog struct {
	mu       sync.Mutex
	dir      string
	logPath  string
	logFile  *os.File
	logBytes int64
}

func openManifestLog(dir string) (*manifestLog, error) {
	logPath := filepath.Join(dir, logName)
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, page.Wrap(page.KindIoFailure, "directory.openManifestLog", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, page.Wrap(page.KindIoFailure, "directory.openManifestLog", err)
	}
	return &manifestLog{dir: dir, logPath: logPath, logFile: f, logBytes: info.Size()}, nil
}

// load replays the image (if present) followed by the log tail, stopping
// at the first structurally invalid or partial trailing record; the
// largest intact sequence wins and the log is truncated to match.
func (m *manifestLog) load() (imageSeq uint64, state map[page.ID]*page.Entry, tail []*page.ManifestRecord, err error) {
	state = map[page.ID]*page.Entry{}
	imageSeq, state, err = loadImage(filepath.Join(m.dir, imageName))
	if err != nil {
		return 0, nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var off int64
	size := m.logBytes
	header := make([]byte, recordHeaderSize)
	for off < size {
		if size-off < recordHeaderSize {
			break
		}
		if _, err := m.logFile.ReadAt(header, off); err != nil {
			break
		}
		seq := binary.LittleEndian.Uint64(header[0:8])
		durableAt := int64(binary.LittleEndian.Uint64(header[8:16]))
		payloadLen := binary.LittleEndian.Uint32(header[16:20])
		wantCRC := binary.LittleEndian.Uint32(header[20:24])
		recLen := int64(recordHeaderSize) + int64(payloadLen)
		if off+recLen > size {
			break // partial trailing record
		}
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := m.logFile.ReadAt(payload, off+recordHeaderSize); err != nil {
				break
			}
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			break
		}
		if seq <= imageSeq {
			off += recLen
			continue
		}
		readers := bintly.NewReaders()
		reader := readers.Get()
		_ = reader.FromBytes(payload)
		edit := decodeEdit(reader)
		readers.Put(reader)
		edit.Sequence = seq
		tail = append(tail, &page.ManifestRecord{Sequence: seq, Edit: *edit, DurableAt: durableAt})
		off += recLen
	}
	if off < size {
		if err := m.logFile.Truncate(off); err != nil {
			return 0, nil, nil, page.Wrap(page.KindIoFailure, "directory.load", err)
		}
		m.logBytes = off
	}
	return imageSeq, state, tail, nil
}

// append frames rec and appends it to the log, optionally fsyncing
// before returning.
func (m *manifestLog) append(rec *page.ManifestRecord, fsync bool) error {
	writers := bintly.NewWriters()
	writer := writers.Get()
	encodeEdit(writer, &rec.Edit)
	payload := writer.Bytes()
	writers.Put(writer)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], rec.Sequence)
	binary.LittleEndian.PutUint64(header[8:16], uint64(rec.DurableAt))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[20:24], crc32.ChecksumIEEE(payload))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.logFile.WriteAt(header, m.logBytes); err != nil {
		return page.Wrap(page.KindIoFailure, "directory.append", err)
	}
	if len(payload) > 0 {
		if _, err := m.logFile.WriteAt(payload, m.logBytes+recordHeaderSize); err != nil {
			return page.Wrap(page.KindIoFailure, "directory.append", err)
		}
	}
	m.logBytes += int64(recordHeaderSize) + int64(len(payload))
	if fsync {
		if err := m.logFile.Sync(); err != nil {
			return page.Wrap(page.KindIoFailure, "directory.append", err)
		}
	}
	return nil
}

func (m *manifestLog) size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logBytes
}

// compact writes a fresh image at seq covering state and truncates the
// log, since every edit it held is now captured by the image.
func (m *manifestLog) compact(seq uint64, state map[page.ID]*page.Entry) error {
	if err := writeImage(filepath.Join(m.dir, imageName), seq, state); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.logFile.Truncate(0); err != nil {
		return page.Wrap(page.KindIoFailure, "directory.compact", err)
	}
	if _, err := m.logFile.Seek(0, io.SeekStart); err != nil {
		return page.Wrap(page.KindIoFailure, "directory.compact", err)
	}
	m.logBytes = 0
	return nil
}

func (m *manifestLog) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logFile.Close()
}

func loadImage(path string) (uint64, map[page.ID]*page.Entry, error) {
	state := map[page.ID]*page.Entry{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, state, nil
		}
		return 0, nil, page.Wrap(page.KindIoFailure, "directory.loadImage", err)
	}
	defer f.Close()

	header := make([]byte, 16)
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, nil, page.Wrap(page.KindIoFailure, "directory.loadImage", err)
	}
	seq := binary.LittleEndian.Uint64(header[0:8])
	payloadLen := binary.LittleEndian.Uint32(header[8:12])
	wantCRC := binary.LittleEndian.Uint32(header[12:16])
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(f, payload); err != nil {
			return 0, nil, page.Wrap(page.KindIoFailure, "directory.loadImage", err)
		}
	}
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return 0, nil, page.Wrap(page.KindCorruption, "directory.loadImage", fmt.Errorf("image checksum mismatch"))
	}

	readers := bintly.NewReaders()
	reader := readers.Get()
	defer readers.Put(reader)
	_ = reader.FromBytes(payload)
	var count int
	reader.Int(&count)
	for i := 0; i < count; i++ {
		var id string
		reader.String(&id)
		entry := decodeEntry(reader)
		state[page.ID(id)] = entry
	}
	return seq, state, nil
}

func writeImage(path string, seq uint64, state map[page.ID]*page.Entry) error {
	writers := bintly.NewWriters()
	writer := writers.Get()
	writer.Int(len(state))
	for id, entry := range state {
		writer.String(string(id))
		encodeEntry(writer, entry)
	}
	payload := writer.Bytes()
	writers.Put(writer)

	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header[0:8], seq)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[12:16], crc32.ChecksumIEEE(payload))

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return page.Wrap(page.KindIoFailure, "directory.writeImage", err)
	}
	if _, err := f.Write(header); err != nil {
		_ = f.Close()
		return page.Wrap(page.KindIoFailure, "directory.writeImage", err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return page.Wrap(page.KindIoFailure, "directory.writeImage", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return page.Wrap(page.KindIoFailure, "directory.writeImage", err)
	}
	if err := f.Close(); err != nil {
		return page.Wrap(page.KindIoFailure, "directory.writeImage", err)
	}
	return os.Rename(tmp, path)
}
