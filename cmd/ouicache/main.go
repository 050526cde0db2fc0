// Command ouicache runs a distributed-cache client node: it joins the
// BitTorrent DHT, serves its stored entries to other peers over uTP and
// answers local HTTP requests by fetching from the swarms.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ouinet/ouicache/internal/dht"
	"github.com/ouinet/ouicache/internal/doh"
	"github.com/ouinet/ouicache/internal/fetch"
	"github.com/ouinet/ouicache/internal/groups"
	"github.com/ouinet/ouicache/internal/store"
	"github.com/ouinet/ouicache/internal/transport"
	"github.com/ouinet/ouicache/pkg/response"
)

func main() {
	var (
		repo       = flag.String("repo", "ouicache-repo", "repository directory")
		listen     = flag.String("listen", "127.0.0.1:8077", "local HTTP listen address")
		port       = flag.String("port", ":0", "UDP port shared by the DHT and peer transport")
		pubKeyHex  = flag.String("cache-key", "", "trusted cache Ed25519 public key, hex")
		bootstraps = flag.String("bootstrap", "", "extra DHT bootstrap endpoints, comma separated")
		dohURL     = flag.String("doh", "", "DNS-over-HTTPS endpoint for bootstrap resolution")
		verbose    = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	logger, err := buildLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *repo, *listen, *port, *pubKeyHex, *bootstraps, *dohURL); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}

func parsePubKey(s string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("cache key must be %d hex-encoded bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

func run(logger *zap.Logger, repo, listen, port, pubKeyHex, bootstraps, dohURL string) error {
	pub, err := parsePubKey(pubKeyHex)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(repo, 0o700); err != nil {
		return fmt.Errorf("create repository: %w", err)
	}

	st, err := store.Open(filepath.Join(repo, "cache"), logger)
	if err != nil {
		return err
	}
	grp, err := groups.Open(filepath.Join(repo, "groups.db"), logger)
	if err != nil {
		return err
	}
	defer grp.Close()

	mux, err := transport.New(transport.Config{Network: "udp4", Addr: port, Logger: logger})
	if err != nil {
		return err
	}
	muxes := transport.NewSet(mux)
	defer muxes.Close()

	var resolver dht.Resolver
	if dohURL != "" {
		resolver, err = doh.New(doh.Config{Endpoint: dohURL, Logger: logger})
		if err != nil {
			return err
		}
	}

	node, err := dht.New(dht.Config{
		Mux:        mux,
		Bootstraps: splitList(bootstraps),
		Resolver:   resolver,
		StatePath:  filepath.Join(repo, "dht.state"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node.Start(ctx)
	defer node.Stop()

	client, err := fetch.New(fetch.Config{
		DHT:    node,
		Muxes:  muxes,
		Store:  st,
		Groups: grp,
		PubKey: pub,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Stop()

	server := fetch.NewServer(st, muxes, logger)
	defer server.Stop()

	httpServer := &http.Server{
		Addr:    listen,
		Handler: &localHandler{client: client, logger: logger.Named("http")},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", listen))
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Close()
	})
	return g.Wait()
}

func splitList(s string) []string {
	var out []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// localHandler answers local requests from the distributed cache. The
// target is the proxy-style absolute URI, or the "uri" query parameter
// for plain clients.
type localHandler struct {
	client *fetch.Client
	logger *zap.Logger
}

func (h *localHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "only GET is supported", http.StatusMethodNotAllowed)
		return
	}
	uri := req.URL.String()
	if !req.URL.IsAbs() {
		uri = req.URL.Query().Get("uri")
	}
	if uri == "" {
		http.Error(w, "missing target uri", http.StatusBadRequest)
		return
	}

	parts, err := h.client.Load(req.Context(), uri)
	if errors.Is(err, fetch.ErrNotFound) {
		http.Error(w, "not cached", http.StatusBadGateway)
		return
	}
	if err != nil {
		h.logger.Warn("load failed", zap.String("uri", uri), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeResponse(w, parts, h.logger, uri)
}

// writeResponse relays a verified part stream as a plain HTTP response,
// dropping the chunk framing the transport used.
func writeResponse(w http.ResponseWriter, parts response.PartReader, logger *zap.Logger, uri string) {
	started := false
	for {
		p, err := parts.ReadPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			if !started {
				http.Error(w, err.Error(), http.StatusBadGateway)
			} else {
				logger.Warn("stream broke mid-response",
					zap.String("uri", uri), zap.Error(err))
			}
			return
		}
		switch v := p.(type) {
		case response.Head:
			for k, vals := range v.Header {
				if k == "Transfer-Encoding" || k == "Trailer" {
					continue
				}
				w.Header()[k] = vals
			}
			w.WriteHeader(v.StatusCode)
			started = true
		case response.ChunkBody:
			if _, err := w.Write(v); err != nil {
				return
			}
		}
	}
}
