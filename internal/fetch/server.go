package fetch

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ouinet/ouicache/internal/store"
	"github.com/ouinet/ouicache/internal/transport"
	"github.com/ouinet/ouicache/pkg/constants"
	"github.com/ouinet/ouicache/pkg/response"
)

// Server hands stored signed responses to other peers over the uTP
// transports the DHT already listens on.
type Server struct {
	store  *store.Store
	muxes  *transport.Set
	logger *zap.Logger

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewServer starts serving on every multiplexer in the set.
func NewServer(st *store.Store, muxes *transport.Set, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  st,
		muxes:  muxes,
		logger: logger.Named("serve"),
		closed: make(chan struct{}),
	}
	for _, m := range muxes.All() {
		s.wg.Add(1)
		go s.acceptLoop(m)
	}
	return s
}

// Stop refuses new connections. In-flight responses finish on their
// own deadlines.
func (s *Server) Stop() {
	close(s.closed)
	s.wg.Wait()
}

func (s *Server) acceptLoop(m *transport.Mux) {
	defer s.wg.Done()
	for {
		conn, err := m.Accept()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		select {
		case <-s.closed:
			conn.Close()
			return
		default:
		}
		go s.serveConn(conn)
	}
}

// serveConn answers requests on one peer connection until the peer
// stops sending them.
func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(constants.PeerLoadTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Time{})
		if err := s.serveRequest(conn, req); err != nil {
			s.logger.Debug("request failed",
				zap.String("peer", conn.RemoteAddr().String()), zap.Error(err))
			return
		}
	}
}

func (s *Server) serveRequest(conn net.Conn, req *http.Request) error {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return writeStatus(conn, http.StatusMethodNotAllowed)
	}
	key := req.URL.String()

	if req.Method == http.MethodHead {
		head, err := s.store.Head(key)
		if errors.Is(err, store.ErrNotStored) {
			return writeStatus(conn, http.StatusNotFound)
		}
		if err != nil {
			return writeStatus(conn, http.StatusInternalServerError)
		}
		return response.NewWriter(conn).WritePart(head)
	}

	stream, err := s.openStream(key, req.Header.Get("Range"))
	switch {
	case errors.Is(err, store.ErrNotStored):
		return writeStatus(conn, http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidSeek):
		return writeStatus(conn, http.StatusRequestedRangeNotSatisfiable)
	case err != nil:
		return writeStatus(conn, http.StatusInternalServerError)
	}
	defer stream.Close()
	return response.WriteAll(conn, stream)
}

func (s *Server) openStream(key, rangeHdr string) (*store.Stream, error) {
	if rangeHdr == "" {
		return s.store.Reader(key)
	}
	first, last, err := parseByteRange(rangeHdr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidSeek, err)
	}
	return s.store.RangeReader(key, first, last)
}

// parseByteRange parses a single "bytes=F-L" or "bytes=F-" range.
func parseByteRange(v string) (first, last int64, err error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(v), "bytes=")
	if !ok || strings.ContainsRune(spec, ',') {
		return 0, 0, fmt.Errorf("unsupported range %q", v)
	}
	firstStr, lastStr, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", v)
	}
	first, err = strconv.ParseInt(firstStr, 10, 64)
	if err != nil || first < 0 {
		return 0, 0, fmt.Errorf("malformed range %q", v)
	}
	if lastStr == "" {
		return first, -1, nil
	}
	last, err = strconv.ParseInt(lastStr, 10, 64)
	if err != nil || last < first {
		return 0, 0, fmt.Errorf("malformed range %q", v)
	}
	return first, last, nil
}

func writeStatus(conn net.Conn, status int) error {
	head := response.NewHead(status, http.Header{"Content-Length": {"0"}})
	return response.NewWriter(conn).WritePart(head)
}
