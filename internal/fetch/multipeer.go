package fetch

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/ouinet/ouicache/internal/transport"
	"github.com/ouinet/ouicache/pkg/httpsig"
	"github.com/ouinet/ouicache/pkg/response"
)

// ErrNotFound is returned when no peer served the requested resource.
var ErrNotFound = fmt.Errorf("no peer served the resource")

// MultiPeerReader downloads one URL from a set of candidate peers. The
// first peer with a verifying head becomes the authority; if it stalls
// or fails mid-body, the download resumes from the next peer at the
// last verified block boundary. Only verified parts reach the consumer.
type MultiPeerReader struct {
	ctx    context.Context
	muxes  *transport.Set
	uri    string
	pub    ed25519.PublicKey
	logger *zap.Logger

	candidates []*net.UDPAddr
	cur        *peerSession

	authority  *httpsig.SignedHead
	nextOffset int64
	done       bool

	// Resumed streams start at a block boundary, so they may repeat
	// chunks already emitted; skip counts the bytes to swallow.
	skip     int64
	skipBody int64

	// goodPeer is the endpoint the head was accepted from, for the
	// caller's peer cache.
	goodPeer *net.UDPAddr
}

// NewMultiPeerReader downloads uri from the candidate peers in order.
func NewMultiPeerReader(ctx context.Context, muxes *transport.Set, uri string, peers []*net.UDPAddr, pub ed25519.PublicKey, logger *zap.Logger) *MultiPeerReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiPeerReader{
		ctx:        ctx,
		muxes:      muxes,
		uri:        uri,
		pub:        pub,
		logger:     logger.Named("multipeer"),
		candidates: dedupeEndpoints(peers),
	}
}

// GoodPeer returns the peer that served the verified head, if any.
func (r *MultiPeerReader) GoodPeer() *net.UDPAddr {
	return r.goodPeer
}

// ReadPart returns the next verified part of the response.
func (r *MultiPeerReader) ReadPart() (response.Part, error) {
	for {
		if r.done {
			return nil, io.EOF
		}
		if err := r.ctx.Err(); err != nil {
			r.Close()
			return nil, err
		}
		if r.cur == nil {
			if err := r.nextPeer(); err != nil {
				return nil, err
			}
		}

		p, err := r.cur.readPart()
		if err == io.EOF {
			// Stream ended without a trailer: the peer had a verified
			// prefix only. Try to resume elsewhere.
			r.dropPeer(nil)
			continue
		}
		if err != nil {
			r.dropPeer(err)
			continue
		}

		switch v := p.(type) {
		case response.Head:
			if r.authority == nil {
				r.authority = r.cur.verifier.Head()
				r.goodPeer = r.cur.endpoint
				return v, nil
			}
			// A resumed stream repeats the head; the consumer already
			// has the authoritative one.
			if r.cur.verifier.Head().Injection.ID != r.authority.Injection.ID {
				r.dropPeer(fmt.Errorf("peer serves a different injection"))
				continue
			}
		case response.ChunkHdr:
			if r.skip > 0 && v.Size > 0 {
				if v.Size > r.skip {
					r.dropPeer(fmt.Errorf("resumed stream out of step"))
					continue
				}
				r.skip -= v.Size
				r.skipBody = v.Size
				continue
			}
			return v, nil
		case response.ChunkBody:
			if r.skipBody > 0 {
				r.skipBody -= int64(len(v))
				continue
			}
			r.nextOffset += int64(len(v))
			return v, nil
		case response.Trailer:
			r.done = true
			r.closeCur()
			return v, nil
		default:
			return v, nil
		}
	}
}

// nextPeer opens a session with the next candidate, resuming at the
// current block boundary once an authority head exists.
func (r *MultiPeerReader) nextPeer() error {
	offset := r.nextOffset
	if r.authority != nil && offset > 0 {
		offset -= offset % r.authority.Block.Size
	}
	for len(r.candidates) > 0 {
		ep := r.candidates[0]
		r.candidates = r.candidates[1:]

		s, err := openSession(r.ctx, r.muxes, ep, r.uri, offset, r.pub)
		if err != nil {
			r.logger.Debug("peer connect failed", zap.Stringer("peer", ep), zap.Error(err))
			continue
		}
		r.cur = s
		r.skip = r.nextOffset - offset
		r.skipBody = 0
		return nil
	}
	if r.ctx.Err() != nil {
		return r.ctx.Err()
	}
	return ErrNotFound
}

// dropPeer closes the current session and blacklists its endpoint.
func (r *MultiPeerReader) dropPeer(err error) {
	if err != nil {
		r.logger.Debug("dropping peer",
			zap.Stringer("peer", r.cur.endpoint), zap.Error(err))
	}
	r.closeCur()
}

func (r *MultiPeerReader) closeCur() {
	if r.cur != nil {
		r.cur.close()
		r.cur = nil
	}
}

// Close aborts the download.
func (r *MultiPeerReader) Close() error {
	r.done = true
	r.closeCur()
	return nil
}

func dedupeEndpoints(eps []*net.UDPAddr) []*net.UDPAddr {
	seen := make(map[string]bool, len(eps))
	out := make([]*net.UDPAddr, 0, len(eps))
	for _, ep := range eps {
		if ep == nil || seen[ep.String()] {
			continue
		}
		seen[ep.String()] = true
		out = append(out, ep)
	}
	return out
}
