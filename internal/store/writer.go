package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ouinet/ouicache/pkg/httpsig"
	"github.com/ouinet/ouicache/pkg/response"
)

// Store consumes a signed response stream and persists it under key.
// The head lands first, body bytes and one signature record per block
// follow as they arrive, so a cancelled write leaves a shorter but
// still servable entry. The error returned on cancellation is ctx.Err().
func (s *Store) Store(ctx context.Context, key string, in response.PartReader) error {
	dir := s.entryDir(key)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear entry: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create entry: %w", err)
	}

	w := &entryWriter{dir: dir}
	defer w.close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := in.ReadPart()
		if err == io.EOF {
			return w.finish()
		}
		if err != nil {
			return err
		}
		if err := w.consume(p); err != nil {
			return err
		}
	}
}

// entryWriter tracks the block whose data is complete but whose
// signature has not arrived yet; the next chunk header delivers it.
type entryWriter struct {
	dir       string
	head      response.Head
	blockSize int64

	body *os.File
	sigs *os.File

	chain httpsig.ChainHasher
	buf   []byte

	pending    bool
	pendingRec sigRecord

	sawTrailer bool
}

func (w *entryWriter) consume(p response.Part) error {
	switch v := p.(type) {
	case response.Head:
		return w.onHead(v)
	case response.ChunkHdr:
		return w.onChunkHdr(v)
	case response.ChunkBody:
		return w.onChunkBody(v)
	case response.Trailer:
		return w.onTrailer(v)
	}
	return nil
}

func (w *entryWriter) onHead(head response.Head) error {
	if w.body != nil {
		return fmt.Errorf("unexpected second head")
	}
	block, err := httpsig.ParseBlockParams(head.Header.Get(httpsig.HdrBSigs))
	if err != nil {
		return fmt.Errorf("unsigned response: %w", err)
	}
	w.blockSize = block.Size
	w.head = head.Clone()
	w.head.Header.Del("Transfer-Encoding")
	w.head.Header.Del("Trailer")
	if err := writeHeadFile(w.dir, w.head); err != nil {
		return err
	}

	w.body, err = os.OpenFile(filepath.Join(w.dir, bodyFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	w.sigs, err = os.OpenFile(filepath.Join(w.dir, sigsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	return err
}

func (w *entryWriter) onChunkHdr(hdr response.ChunkHdr) error {
	if w.body == nil {
		return fmt.Errorf("chunk before head")
	}
	if hdr.Size == 0 && len(w.buf) > 0 {
		// The short last block completes at the final chunk.
		if err := w.completeBlock(); err != nil {
			return err
		}
	}
	if sigB64, ok := response.ExtValue(hdr.Exts, httpsig.ExtSig); ok {
		sig, err := base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			return fmt.Errorf("malformed block signature: %w", err)
		}
		if err := w.flushRecord(sig); err != nil {
			return err
		}
	}
	return nil
}

func (w *entryWriter) onChunkBody(data []byte) error {
	if w.body == nil {
		return fmt.Errorf("chunk body before head")
	}
	w.buf = append(w.buf, data...)
	for int64(len(w.buf)) >= w.blockSize {
		if err := w.completeBlock(); err != nil {
			return err
		}
	}
	return nil
}

// completeBlock appends the buffered block's bytes to the body and
// queues its record until the signature arrives.
func (w *entryWriter) completeBlock() error {
	if w.pending {
		return fmt.Errorf("block without signature")
	}
	n := int64(len(w.buf))
	if n > w.blockSize {
		n = w.blockSize
	}
	block := w.buf[:n]

	digest := httpsig.BlockDigest(block)
	prev, _ := w.chain.PrevDigest()
	offset := w.chain.Offset()
	w.chain.AppendDigest(digest, n)

	if _, err := w.body.Write(block); err != nil {
		return err
	}
	w.pendingRec = sigRecord{Offset: offset, Digest: digest, PrevChain: prev}
	w.pending = true
	w.buf = w.buf[n:]
	return nil
}

// flushRecord lands the pending record with its signature. Each record
// is synced whole, so a crash can tear at most the final line.
func (w *entryWriter) flushRecord(sig []byte) error {
	if !w.pending {
		return fmt.Errorf("signature without block")
	}
	w.pendingRec.Sig = sig
	if _, err := w.sigs.Write(w.pendingRec.encode()); err != nil {
		return err
	}
	if err := w.sigs.Sync(); err != nil {
		return err
	}
	w.pending = false
	return nil
}

func (w *entryWriter) onTrailer(t response.Trailer) error {
	if w.body == nil {
		return fmt.Errorf("trailer before head")
	}
	merged := httpsig.MergeTrailer(w.head, t.Header)
	merged.Header.Del("Transfer-Encoding")
	if err := writeHeadFile(w.dir, merged); err != nil {
		return err
	}
	w.head = merged
	w.sawTrailer = true
	return nil
}

func (w *entryWriter) finish() error {
	if w.body == nil {
		return fmt.Errorf("empty response stream")
	}
	if w.pending || len(w.buf) > 0 {
		return fmt.Errorf("stream ended with an unsigned block")
	}
	if err := w.body.Sync(); err != nil {
		return err
	}
	return nil
}

func (w *entryWriter) close() {
	if w.body != nil {
		w.body.Close()
	}
	if w.sigs != nil {
		w.sigs.Close()
	}
}

// writeHeadFile writes the head atomically next to the entry's other
// files.
func writeHeadFile(dir string, head response.Head) error {
	path := filepath.Join(dir, headFile)
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := response.NewWriter(f).WritePart(head); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
