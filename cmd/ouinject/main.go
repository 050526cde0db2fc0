// Command ouinject signs an origin HTTP response and injects it into a
// cache repository, optionally announcing its group on the DHT so other
// peers can find it.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ouinet/ouicache/internal/dht"
	"github.com/ouinet/ouicache/internal/groups"
	"github.com/ouinet/ouicache/internal/store"
	"github.com/ouinet/ouicache/internal/transport"
	"github.com/ouinet/ouicache/pkg/httpsig"
	"github.com/ouinet/ouicache/pkg/response"
	"github.com/ouinet/ouicache/pkg/swarm"
)

func main() {
	var (
		repo     = flag.String("repo", "ouicache-repo", "repository directory")
		uri      = flag.String("uri", "", "canonical URI of the resource")
		fromStd  = flag.Bool("stdin", false, "read a raw HTTP response from stdin instead of fetching the origin")
		announce = flag.Bool("announce", false, "announce the entry's group on the DHT after storing")
		verbose  = flag.Bool("verbose", false, "debug logging")
	)
	flag.Parse()

	cfg := zap.NewProductionConfig()
	if *verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger, *repo, *uri, *fromStd, *announce); err != nil {
		logger.Fatal("injection failed", zap.Error(err))
	}
}

func run(logger *zap.Logger, repo, uri string, fromStdin, announce bool) error {
	if uri == "" {
		return fmt.Errorf("a -uri is required")
	}
	u, err := url.Parse(uri)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("malformed uri %q", uri)
	}
	if err := os.MkdirAll(repo, 0o700); err != nil {
		return fmt.Errorf("create repository: %w", err)
	}

	priv, err := loadOrCreateKey(filepath.Join(repo, "ed25519-key"), logger)
	if err != nil {
		return err
	}

	origin, closeOrigin, err := openOrigin(uri, fromStdin)
	if err != nil {
		return err
	}
	defer closeOrigin()

	st, err := store.Open(filepath.Join(repo, "cache"), logger)
	if err != nil {
		return err
	}
	grp, err := groups.Open(filepath.Join(repo, "groups.db"), logger)
	if err != nil {
		return err
	}
	defer grp.Close()

	inj := httpsig.Injection{ID: uuid.NewString(), TS: time.Now().Unix()}
	signed := httpsig.NewSigningReader(origin, uri, inj, priv)
	if err := st.Store(context.Background(), uri, signed); err != nil {
		return fmt.Errorf("store %q: %w", uri, err)
	}
	if err := grp.Add(u.Hostname(), uri); err != nil {
		return err
	}
	logger.Info("injected", zap.String("uri", uri), zap.String("injection", inj.ID))

	if announce {
		return announceGroup(logger, priv.Public().(ed25519.PublicKey), u.Hostname())
	}
	return nil
}

// loadOrCreateKey reads the hex-encoded signing key, minting one on
// first use.
func loadOrCreateKey(path string, logger *zap.Logger) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
			return nil, fmt.Errorf("write signing key: %w", err)
		}
		pub := priv.Public().(ed25519.PublicKey)
		logger.Info("generated signing key", zap.String("public", hex.EncodeToString(pub)))
		return priv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key at %s is not a hex Ed25519 private key", path)
	}
	return ed25519.PrivateKey(raw), nil
}

// openOrigin returns the unsigned response parts, either parsed off
// stdin or fetched from the origin server.
func openOrigin(uri string, fromStdin bool) (response.PartReader, func(), error) {
	if fromStdin {
		return response.NewReader(os.Stdin), func() {}, nil
	}
	resp, err := http.Get(uri)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch origin: %w", err)
	}
	head := response.NewHead(resp.StatusCode, resp.Header.Clone())
	return &httpResponseReader{head: head, body: resp.Body},
		func() { resp.Body.Close() }, nil
}

// httpResponseReader adapts an *http.Response into a part stream.
type httpResponseReader struct {
	head     response.Head
	headSent bool
	body     io.Reader
	done     bool
}

func (r *httpResponseReader) ReadPart() (response.Part, error) {
	if !r.headSent {
		r.headSent = true
		return r.head, nil
	}
	if r.done {
		return nil, io.EOF
	}
	buf := make([]byte, 16384)
	n, err := r.body.Read(buf)
	if n > 0 {
		return response.ChunkBody(buf[:n]), nil
	}
	if err == io.EOF {
		r.done = true
		return nil, io.EOF
	}
	return nil, err
}

// announceGroup joins the DHT long enough to publish one announcement
// for the group swarm.
func announceGroup(logger *zap.Logger, pub ed25519.PublicKey, group string) error {
	mux, err := transport.New(transport.Config{Network: "udp4", Addr: ":0", Logger: logger})
	if err != nil {
		return err
	}
	defer mux.Close()

	node, err := dht.New(dht.Config{Mux: mux, Logger: logger})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	node.Start(ctx)
	defer node.Stop()

	for !node.Ready() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("dht bootstrap: %w", ctx.Err())
		case <-time.After(time.Second):
		}
	}

	infohash := dht.NodeID(swarm.Hash(swarm.URI(pub, group)))
	if err := node.TrackerAnnounce(ctx, infohash, nil); err != nil {
		return fmt.Errorf("announce group %q: %w", group, err)
	}
	logger.Info("announced", zap.String("group", group), zap.Stringer("swarm", infohash))
	return nil
}
