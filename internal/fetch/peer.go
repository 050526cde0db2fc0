package fetch

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/ouinet/ouicache/internal/transport"
	"github.com/ouinet/ouicache/pkg/constants"
	"github.com/ouinet/ouicache/pkg/httpsig"
	"github.com/ouinet/ouicache/pkg/response"
)

// peerSession is one verified download stream from one peer.
type peerSession struct {
	endpoint *net.UDPAddr
	conn     net.Conn
	verifier *httpsig.VerifyingReader
}

// dialPeer connects to a peer over a multiplexer matching its address
// family.
func dialPeer(ctx context.Context, muxes *transport.Set, ep *net.UDPAddr) (net.Conn, error) {
	mux := muxes.For(ep)
	if mux == nil {
		return nil, fmt.Errorf("no transport for %s", ep)
	}
	return mux.DialTimeout(ctx, ep, constants.PeerConnectTimeout)
}

// openSession dials the peer and requests uri from offset on (0 for the
// whole response). The returned session yields only verified parts.
func openSession(ctx context.Context, muxes *transport.Set, ep *net.UDPAddr, uri string, offset int64, pub ed25519.PublicKey) (*peerSession, error) {
	conn, err := dialPeer(ctx, muxes, ep)
	if err != nil {
		return nil, err
	}
	if err := writeRequest(conn, uri, offset); err != nil {
		conn.Close()
		return nil, err
	}
	return &peerSession{
		endpoint: ep,
		conn:     conn,
		verifier: httpsig.NewVerifyingReader(response.NewReader(conn), pub),
	}, nil
}

// writeRequest sends an absolute-form GET, asking for a suffix range
// when resuming mid-body.
func writeRequest(conn net.Conn, uri string, offset int64) error {
	conn.SetWriteDeadline(time.Now().Add(constants.PeerLoadTimeout))
	defer conn.SetWriteDeadline(time.Time{})

	req := fmt.Sprintf("GET %s HTTP/1.1\r\nX-Ouinet-Version: %d\r\n",
		uri, constants.ProtocolVersion)
	if offset > 0 {
		req += fmt.Sprintf("Range: bytes=%d-\r\n", offset)
	}
	req += "\r\n"
	_, err := conn.Write([]byte(req))
	return err
}

// readPart pulls the next verified part, giving the peer a bounded time
// to produce it.
func (p *peerSession) readPart() (response.Part, error) {
	p.conn.SetReadDeadline(time.Now().Add(constants.PeerLoadTimeout))
	return p.verifier.ReadPart()
}

func (p *peerSession) close() {
	p.conn.Close()
}
