package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/capture"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom/htmltree"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/httpclient"
)

// SnapshotOptions select a saved page or URL to scan once.
type SnapshotOptions struct {
	File         string
	URL          string
	Host         string
	AdaptersFile string
	Timeout      time.Duration
}

// Snapshot runs a single extraction pass over static HTML with history
// suppression disabled and writes each captured turn to out as a JSON line.
// It exists to develop and check adapter selectors against saved pages.
type Snapshot struct {
	opts   SnapshotOptions
	client httpclient.Client
	log    logger.Logger
}

// NewSnapshot validates opts.
func NewSnapshot(opts SnapshotOptions, log logger.Logger) (*Snapshot, error) {
	if (opts.File == "") == (opts.URL == "") {
		return nil, fmt.Errorf("exactly one of file or url is required")
	}
	if opts.Host == "" && opts.URL != "" {
		u, err := url.Parse(opts.URL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid url %q", opts.URL)
		}
		opts.Host = u.Host
	}
	if opts.Host == "" {
		return nil, fmt.Errorf("host is required when scanning a file")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Snapshot{
		opts:   opts,
		client: httpclient.NewRestyClient(opts.Timeout),
		log:    logger.Ensure(log),
	}, nil
}

// Run scans the page and returns the result after writing turns to out.
func (s *Snapshot) Run(ctx context.Context, out io.Writer) (capture.ScanResult, error) {
	reg, err := loadAdapters(s.opts.AdaptersFile)
	if err != nil {
		return capture.ScanResult{}, err
	}
	adapter, err := reg.ForHost(s.opts.Host)
	if err != nil {
		return capture.ScanResult{}, fmt.Errorf("resolve adapter for %s: %w", s.opts.Host, err)
	}

	raw, err := s.read(ctx)
	if err != nil {
		return capture.ScanResult{}, err
	}
	doc, err := htmltree.Parse(bytes.NewReader(raw))
	if err != nil {
		return capture.ScanResult{}, err
	}

	root, ok, err := doc.Query(adapter.RootSelector())
	if err != nil {
		return capture.ScanResult{}, fmt.Errorf("query root: %w", err)
	}
	if !ok {
		return capture.ScanResult{}, fmt.Errorf("%w: %s", capture.ErrAttachPending, adapter.RootSelector())
	}

	res, err := capture.NewExtractor(adapter, capture.Ledger{}, s.log).Scan(root)
	if err != nil {
		return res, err
	}

	enc := json.NewEncoder(out)
	for _, turn := range res.Turns {
		if err := enc.Encode(turn); err != nil {
			return res, fmt.Errorf("write turn: %w", err)
		}
	}
	s.log.InfoObj("snapshot scanned", "snapshot", map[string]any{
		"adapter_id": adapter.ID(),
		"captured":   len(res.Turns),
		"failures":   len(res.Failures),
		"pending":    res.Pending,
	})
	return res, nil
}

func (s *Snapshot) read(ctx context.Context) ([]byte, error) {
	if s.opts.File != "" {
		raw, err := os.ReadFile(s.opts.File)
		if err != nil {
			return nil, fmt.Errorf("read page file: %w", err)
		}
		return raw, nil
	}

	resp, err := s.client.Get(ctx, s.opts.URL, map[string]string{"Accept": "text/html"})
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return nil, fmt.Errorf("fetch page: status %d: %s", code, strings.TrimSpace(string(limit(resp.Body(), 256))))
	}
	return resp.Body(), nil
}

func limit(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
