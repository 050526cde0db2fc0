package store

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/ouinet/ouicache/pkg/httpsig"
	"github.com/ouinet/ouicache/pkg/response"
)

// ErrNotStored is returned when no entry exists for a key.
var ErrNotStored = fmt.Errorf("response not stored")

// entry is a stored response opened for reading.
type entry struct {
	dir  string
	head response.Head // as stored, trailer fields merged, framing removed

	injection httpsig.Injection
	block     httpsig.BlockParams
	dataSize  int64 // -1 while unknown
	complete  bool

	bodySize int64
	records  []sigRecord
}

func (s *Store) openEntry(key string) (*entry, error) {
	dir := s.entryDir(key)
	head, err := readHeadFile(filepath.Join(dir, headFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotStored
		}
		return nil, err
	}

	e := &entry{dir: dir, head: head, dataSize: -1}
	e.injection, err = httpsig.ParseInjection(head.Header.Get(httpsig.HdrInjection))
	if err != nil {
		return nil, fmt.Errorf("stored head: %w", err)
	}
	e.block, err = httpsig.ParseBlockParams(head.Header.Get(httpsig.HdrBSigs))
	if err != nil {
		return nil, fmt.Errorf("stored head: %w", err)
	}
	if ds := head.Header.Get(httpsig.HdrDataSize); ds != "" {
		size, err := strconv.ParseInt(ds, 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("stored head: malformed data size %q", ds)
		}
		e.dataSize = size
	}

	if info, err := os.Stat(filepath.Join(dir, bodyFile)); err == nil {
		e.bodySize = info.Size()
	}
	if err := e.loadRecords(); err != nil {
		return nil, err
	}

	e.complete = e.dataSize >= 0 &&
		head.Header.Get(httpsig.HdrSig1) != "" &&
		int64(e.blockCount())*e.block.Size >= e.dataSize
	return e, nil
}

// loadRecords reads the sigs file, tolerating a trailing torn record,
// and keeps only records an intact body block backs.
func (e *entry) loadRecords() error {
	data, err := os.ReadFile(filepath.Join(e.dir, sigsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for off := int64(0); len(data) >= sigRecordSize; data = data[sigRecordSize:] {
		rec, err := parseSigRecord(data[:sigRecordSize])
		if err != nil || rec.Offset != off {
			break
		}
		e.records = append(e.records, rec)
		off += e.block.Size
	}

	// A record only counts when the body holds its whole block. The
	// last block may be short only once the total size is known.
	for len(e.records) > 0 {
		last := len(e.records) - 1
		end := e.records[last].Offset + e.block.Size
		if e.dataSize >= 0 && end > e.dataSize {
			end = e.dataSize
		}
		if e.bodySize >= end {
			break
		}
		e.records = e.records[:last]
	}
	return nil
}

func (e *entry) blockCount() int {
	return len(e.records)
}

// blockLen returns the byte length of block i.
func (e *entry) blockLen(i int) int64 {
	end := e.records[i].Offset + e.block.Size
	if e.dataSize >= 0 && end > e.dataSize {
		end = e.dataSize
	}
	return end - e.records[i].Offset
}

// signedLen returns the number of leading body bytes with a signature.
func (e *entry) signedLen() int64 {
	n := e.blockCount()
	if n == 0 {
		return 0
	}
	return e.records[n-1].Offset + e.blockLen(n-1)
}

// openBody opens the body positioned at the given offset.
func (e *entry) openBody(offset int64) (*os.File, error) {
	f, err := os.Open(filepath.Join(e.dir, bodyFile))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// streamHead rebuilds the head the signing stream carried: trailer
// fields split back out and chunked framing restored.
func (e *entry) streamHead() (response.Head, response.Trailer) {
	head := e.head.Clone()
	trailer := response.Trailer{Header: make(http.Header)}
	for _, name := range []string{httpsig.HdrDataSize, "Digest", httpsig.HdrSig1} {
		if v := head.Header.Get(name); v != "" {
			trailer.Header.Set(name, v)
			head.Header.Del(name)
		}
	}
	head.Header.Set("Transfer-Encoding", "chunked")
	head.Header.Set("Trailer", httpsig.HdrDataSize+", Digest, "+httpsig.HdrSig1)
	return head, trailer
}

func readHeadFile(path string) (response.Head, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return response.Head{}, err
	}
	p, err := response.NewReader(bytes.NewReader(data)).ReadPart()
	if err != nil {
		return response.Head{}, fmt.Errorf("parse stored head: %w", err)
	}
	head, ok := p.(response.Head)
	if !ok {
		return response.Head{}, fmt.Errorf("parse stored head: unexpected part %T", p)
	}
	return head, nil
}
