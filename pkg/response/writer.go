package response

import (
	"fmt"
	"io"
	"net/http"
	"sort"
)

// Writer serialises parts back into an HTTP/1.1 byte stream.
type Writer struct {
	w io.Writer
}

// NewWriter writes a response stream to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WritePart serialises one part.
func (w *Writer) WritePart(p Part) error {
	switch v := p.(type) {
	case Head:
		return w.writeHead(v)
	case *Head:
		return w.writeHead(*v)
	case ChunkHdr:
		_, err := fmt.Fprintf(w.w, "%x%s\r\n", v.Size, v.Exts)
		return err
	case ChunkBody:
		if _, err := w.w.Write(v); err != nil {
			return err
		}
		return nil
	case Trailer:
		return w.writeHeaders(v.Header, true)
	default:
		return fmt.Errorf("unknown response part %T", p)
	}
}

// WriteChunkEnd terminates a chunk body with its CRLF.
func (w *Writer) WriteChunkEnd() error {
	_, err := io.WriteString(w.w, "\r\n")
	return err
}

func (w *Writer) writeHead(h Head) error {
	proto := h.Proto
	if proto == "" {
		proto = "HTTP/1.1"
	}
	text := http.StatusText(h.StatusCode)
	if text == "" {
		text = "Status"
	}
	if _, err := fmt.Fprintf(w.w, "%s %d %s\r\n", proto, h.StatusCode, text); err != nil {
		return err
	}
	return w.writeHeaders(h.Header, true)
}

func (w *Writer) writeHeaders(h http.Header, terminate bool) error {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			if _, err := fmt.Fprintf(w.w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	if terminate {
		_, err := io.WriteString(w.w, "\r\n")
		return err
	}
	return nil
}

// WriteAll streams every part from r to w, inserting chunk-body
// terminators where the framing requires them.
func WriteAll(w io.Writer, r PartReader) error {
	pw := NewWriter(w)
	var pendingChunk int64
	for {
		p, err := r.ReadPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := pw.WritePart(p); err != nil {
			return err
		}
		switch v := p.(type) {
		case ChunkHdr:
			pendingChunk = v.Size
		case ChunkBody:
			pendingChunk -= int64(len(v))
			if pendingChunk == 0 {
				if err := pw.WriteChunkEnd(); err != nil {
					return err
				}
			}
		}
	}
}
