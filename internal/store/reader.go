package store

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/ouinet/ouicache/pkg/httpsig"
	"github.com/ouinet/ouicache/pkg/response"
)

// ErrInvalidSeek is returned when a requested range falls outside the
// stored data.
var ErrInvalidSeek = fmt.Errorf("range outside stored data")

// Stream replays a stored entry as a signed response stream. Callers
// must Close it to release the body file.
type Stream struct {
	entry   *entry
	head    response.Head
	trailer response.Trailer

	first, last int
	rangeMode   bool
	withTrailer bool

	next     int
	headSent bool
	inBlock  bool
	done     bool
	body     *os.File
}

// Reader replays the full entry for key: the signed head, every signed
// block with its signature extension and, when the entry is complete,
// the final chunk and trailer. An incomplete entry ends after its last
// signed block.
func (s *Store) Reader(key string) (*Stream, error) {
	e, err := s.openEntry(key)
	if err != nil {
		return nil, err
	}
	head, trailer := e.streamHead()
	return &Stream{
		entry:       e,
		head:        head,
		trailer:     trailer,
		first:       0,
		last:        e.blockCount() - 1,
		withTrailer: e.complete,
	}, nil
}

// RangeReader replays the block-aligned expansion of [first, last],
// last being -1 for everything from first on. The head carries status
// 206 with the original status and a Content-Range aside; the first
// chunk of a mid-body range carries the chain hash needed to verify it
// standalone.
func (s *Store) RangeReader(key string, first, last int64) (*Stream, error) {
	e, err := s.openEntry(key)
	if err != nil {
		return nil, err
	}
	if last == -1 {
		last = e.signedLen() - 1
	}
	if first < 0 || last < first || last >= e.signedLen() {
		return nil, ErrInvalidSeek
	}
	fb := int(first / e.block.Size)
	lb := int(last / e.block.Size)

	head, trailer := e.streamHead()
	head.Header.Set(httpsig.HdrHTTPStatus, strconv.Itoa(head.StatusCode))
	head.StatusCode = http.StatusPartialContent

	start := e.records[fb].Offset
	end := e.records[lb].Offset + e.blockLen(lb) - 1
	head.Header.Set("Content-Range", response.ContentRange{
		First: start,
		Last:  end,
		Total: e.dataSize,
	}.String())

	return &Stream{
		entry:       e,
		head:        head,
		trailer:     trailer,
		first:       fb,
		last:        lb,
		rangeMode:   true,
		withTrailer: e.complete,
	}, nil
}

// ReadPart returns the next replayed part.
func (r *Stream) ReadPart() (response.Part, error) {
	switch {
	case r.done:
		return nil, io.EOF
	case !r.headSent:
		r.headSent = true
		r.next = r.first
		return r.head, nil
	case r.inBlock:
		return r.readBlockData()
	case r.next <= r.last:
		return r.readBlockHdr()
	case r.withTrailer:
		return r.readTail()
	default:
		r.finish()
		return nil, io.EOF
	}
}

func (r *Stream) readBlockHdr() (response.Part, error) {
	e := r.entry
	if r.body == nil {
		f, err := e.openBody(e.records[r.next].Offset)
		if err != nil {
			return nil, err
		}
		r.body = f
	}
	exts := ""
	if r.next > 0 {
		exts = response.Ext(httpsig.ExtSig, base64.StdEncoding.EncodeToString(e.records[r.next-1].Sig))
		if r.rangeMode {
			exts += response.Ext(httpsig.ExtHash, base64.StdEncoding.EncodeToString(e.records[r.next].PrevChain[:]))
		}
	}
	r.inBlock = true
	return response.ChunkHdr{Size: e.blockLen(r.next), Exts: exts}, nil
}

func (r *Stream) readBlockData() (response.Part, error) {
	buf := make([]byte, r.entry.blockLen(r.next))
	if _, err := io.ReadFull(r.body, buf); err != nil {
		return nil, fmt.Errorf("read stored block: %w", err)
	}
	r.inBlock = false
	r.next++
	return response.ChunkBody(buf), nil
}

// readTail emits the final zero-length chunk, then the trailer.
func (r *Stream) readTail() (response.Part, error) {
	if r.next == r.last+1 {
		r.next++
		exts := ""
		if r.last >= 0 {
			exts = response.Ext(httpsig.ExtSig, base64.StdEncoding.EncodeToString(r.entry.records[r.last].Sig))
		}
		return response.ChunkHdr{Size: 0, Exts: exts}, nil
	}
	r.finish()
	return r.trailer, nil
}

func (r *Stream) finish() {
	r.done = true
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
}

// Close releases the stream's resources.
func (r *Stream) Close() error {
	r.finish()
	return nil
}

// Head returns the stored head for key decorated with an
// X-Ouinet-Avail-Data header describing how much signed body is
// servable.
func (s *Store) Head(key string) (response.Head, error) {
	e, err := s.openEntry(key)
	if err != nil {
		return response.Head{}, err
	}
	head := e.head.Clone()
	if signed := e.signedLen(); signed > 0 {
		total := "*"
		if e.dataSize >= 0 {
			total = strconv.FormatInt(e.dataSize, 10)
		}
		head.Header.Set(httpsig.HdrAvailData, fmt.Sprintf("bytes 0-%d/%s", signed-1, total))
	}
	return head, nil
}

// HashList builds the signed block digest manifest for a complete
// entry.
func (s *Store) HashList(key string) (*httpsig.HashList, error) {
	e, err := s.openEntry(key)
	if err != nil {
		return nil, err
	}
	if !e.complete || e.blockCount() == 0 {
		return nil, fmt.Errorf("incomplete entry has no hash list")
	}
	l := &httpsig.HashList{Sig: e.records[e.blockCount()-1].Sig}
	for _, rec := range e.records {
		l.Digests = append(l.Digests, rec.Digest)
	}
	return l, nil
}
