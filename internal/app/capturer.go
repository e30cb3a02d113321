package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"sync"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/browser"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/capture"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/config"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/delivery"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/handoff"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
	"github.com/samvad-hq/samvad-conversation-capturer/internal/storage"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/adapters"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/httpclient"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/publishers"
)

// DocumentOpener yields the page to watch and a func that releases it.
type DocumentOpener func(ctx context.Context) (dom.Document, func() error, error)

// Capturer is the capture daemon runtime. It resolves the site adapter for
// the configured page, wires the delivery queue to the archive and runs the
// capture engine over the browser tab until the context ends.
type Capturer struct {
	cfg     *config.Config
	adapter adapters.SiteAdapter
	store   storage.Store
	fanout  *publishers.Fanout
	queue   *delivery.Queue
	handoff *handoff.Server
	engine  *capture.Engine
	open    DocumentOpener
	log     logger.Logger
}

// NewCapturer builds the runtime from cfg. An unsupported page host fails
// with adapters.ErrAdapterNotFound before anything else is initialised.
func NewCapturer(ctx context.Context, cfg *config.Config, log logger.Logger) (*Capturer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	log = logger.Ensure(log)
	if ctx == nil {
		ctx = context.Background()
	}

	adapter, err := resolveAdapter(cfg.AdaptersFile, cfg.PageURL)
	if err != nil {
		return nil, err
	}
	log.InfoObj("site adapter resolved", "adapter", map[string]any{
		"id":       adapter.ID(),
		"source":   adapter.Source(),
		"page_url": cfg.PageURL,
	})

	store, err := storage.NewStore(cfg.StorageType, cfg.BBoltPath, storage.Options{PendingTTL: cfg.OutboxTTL})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	if cfg.AccessToken != "" {
		if err := store.SetCredential(cfg.CredentialKey, cfg.AccessToken); err != nil {
			store.Close()
			return nil, fmt.Errorf("seed credential: %w", err)
		}
	}
	log.InfoObj("storage initialized", "storage_config", map[string]any{
		"type":           cfg.StorageType,
		"path":           cfg.BBoltPath,
		"outbox_enabled": cfg.OutboxEnabled,
		"outbox_ttl":     cfg.OutboxTTL.String(),
		"token_seeded":   cfg.AccessToken != "",
	})

	fanout, err := loadMirrors(ctx, cfg.PublishersFile, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	var outbox storage.Outbox
	if cfg.OutboxEnabled {
		outbox = store
	}
	archive := delivery.NewArchiveClient(httpclient.NewRestyClient(cfg.ArchiveTimeout), cfg.ArchiveURL)
	queue := delivery.NewQueue(archive, store, outbox, fanout, delivery.Options{
		CredentialKey: cfg.CredentialKey,
		MaxAttempts:   cfg.OutboxMaxAttempts,
		RetryInterval: cfg.OutboxRetryInterval,
		RatePerSecond: cfg.OutboxRatePerSecond,
	}, log)

	c := &Capturer{
		cfg:     cfg,
		adapter: adapter,
		store:   store,
		fanout:  fanout,
		queue:   queue,
		log:     log,
	}
	c.open = c.openBrowser

	if cfg.HandoffAddr != "" {
		c.handoff = handoff.New(store, handoff.Options{
			Addr:          cfg.HandoffAddr,
			CredentialKey: cfg.CredentialKey,
			AllowedOrigin: cfg.HandoffAllowedOrigin,
			Status:        c.status,
		}, log)
	}

	log.InfoObj("delivery configured", "delivery_config", map[string]any{
		"archive_endpoint": archive.URL(),
		"mirrors":          fanout.Size(),
		"handoff_addr":     cfg.HandoffAddr,
	})
	return c, nil
}

// AdapterID names the site adapter serving the configured page.
func (c *Capturer) AdapterID() string { return c.adapter.ID() }

// Run opens the page and captures until ctx is cancelled.
func (c *Capturer) Run(ctx context.Context) error {
	if c == nil || c.queue == nil {
		return fmt.Errorf("capturer is not initialized")
	}
	defer c.close()

	doc, release, err := c.open(ctx)
	if err != nil {
		return fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			c.log.WarnObj("release page failed", "error", err.Error())
		}
	}()
	c.engine = capture.NewEngine(doc, c.queue, c.engineOptions(), c.log)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = c.queue.Run(ctx)
	}()
	if c.handoff != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.handoff.Run(ctx); err != nil {
				c.log.ErrorObj("credential hand-off stopped", "error", err.Error())
			}
		}()
	}

	if err := c.engine.Start(ctx, c.adapter); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("start engine: %w", err)
	}
	c.log.InfoObj("capturer running", "capturer_state", map[string]any{
		"adapter_id": c.adapter.ID(),
		"mirrors":    c.fanout.Size(),
	})

	<-ctx.Done()
	c.engine.Stop()
	wg.Wait()
	c.log.InfoObj("capturer exiting", "capturer_stats", c.status())
	return nil
}

func (c *Capturer) engineOptions() capture.Options {
	return capture.Options{
		AttachInterval: c.cfg.AttachInterval,
		Quiet:          c.cfg.Debounce,
		MaxWait:        c.cfg.DebounceMaxWait,
		Settle:         c.cfg.Settle,
		Liveness:       c.cfg.LivenessInterval,
	}
}

func (c *Capturer) openBrowser(ctx context.Context) (dom.Document, func() error, error) {
	session, err := browser.Open(ctx, browser.Options{
		RemoteURL: c.cfg.BrowserRemoteURL,
		Headless:  c.cfg.BrowserHeadless,
		PageURL:   c.cfg.PageURL,
		OpTimeout: c.cfg.BrowserOpTimeout,
	}, c.log)
	if err != nil {
		return nil, nil, err
	}
	return session.Document(), session.Close, nil
}

func (c *Capturer) status() map[string]any {
	out := map[string]any{
		"adapter_id": c.adapter.ID(),
		"delivery":   c.queue.Stats(),
	}
	if c.engine != nil {
		out["capture"] = c.engine.Stats()
	}
	return out
}

func (c *Capturer) close() {
	if err := c.fanout.Close(); err != nil {
		c.log.WarnObj("mirror close failed", "error", err.Error())
	}
	if err := c.store.Close(); err != nil {
		c.log.ErrorObj("storage close failed", "error", err.Error())
	}
}

// resolveAdapter loads the adapter registry and picks the one serving pageURL.
func resolveAdapter(adaptersFile, pageURL string) (adapters.SiteAdapter, error) {
	reg, err := loadAdapters(adaptersFile)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid page url %q", pageURL)
	}
	adapter, err := reg.ForHost(u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve adapter for %s: %w", u.Host, err)
	}
	return adapter, nil
}

func loadAdapters(path string) (*adapters.Registry, error) {
	if strings.TrimSpace(path) == "" {
		return adapters.DefaultRegistry(), nil
	}
	reg, err := adapters.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load adapters registry: %w", err)
	}
	return reg, nil
}

// loadMirrors builds the optional mirror fanout. A missing file means no mirrors.
func loadMirrors(ctx context.Context, path string, log logger.Logger) (*publishers.Fanout, error) {
	if strings.TrimSpace(path) == "" {
		return publishers.NewFanout(), nil
	}
	cfgs, err := publishers.LoadConfigs(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.InfoObj("no publishers file; mirrors disabled", "publishers_file", path)
		return publishers.NewFanout(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load publishers: %w", err)
	}

	enabled := publishers.Enabled(cfgs)
	fanout, err := publishers.DefaultBuilders().Fanout(ctx, enabled, log)
	if err != nil {
		return nil, err
	}
	summaries := make([]map[string]string, 0, len(enabled))
	for _, p := range enabled {
		summaries = append(summaries, map[string]string{"id": p.ID, "type": p.Type})
	}
	log.InfoObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return fanout, nil
}
