// Package browser connects to Chrome over the DevTools protocol and exposes
// the chat tab as a dom.Document.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
)

const navigateTimeout = 30 * time.Second

// Options select how the browser is reached.
type Options struct {
	// RemoteURL is a DevTools endpoint of a running Chrome (ws:// or http://host:port).
	// Empty launches a local Chrome.
	RemoteURL string
	Headless  bool
	PageURL   string
	// OpTimeout bounds each DOM call made through the Document.
	OpTimeout time.Duration
}

// Session owns the browser connection and the chat tab.
type Session struct {
	browser *rod.Browser
	lnch    *launcher.Launcher
	page    *rod.Page
	doc     *Document
	log     logger.Logger
}

// Open connects (or launches), then reuses a tab already showing the page's
// host or opens a new stealth tab on PageURL.
func Open(ctx context.Context, opts Options, log logger.Logger) (*Session, error) {
	log = logger.Ensure(log)
	target, err := url.Parse(strings.TrimSpace(opts.PageURL))
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("browser: invalid page url %q", opts.PageURL)
	}

	s := &Session{log: log}
	wsURL, err := s.controlURL(opts)
	if err != nil {
		return nil, err
	}

	s.browser = rod.New().Context(ctx).ControlURL(wsURL)
	if err := s.browser.Connect(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}

	page, reused, err := s.findTab(target.Hostname())
	if err != nil {
		s.cleanup()
		return nil, err
	}
	if page == nil {
		page, err = s.openTab(ctx, target.String())
		if err != nil {
			s.cleanup()
			return nil, err
		}
	}
	s.page = page

	s.doc, err = NewDocument(ctx, page, opts.OpTimeout, log)
	if err != nil {
		s.cleanup()
		return nil, err
	}

	log.InfoObj("browser session ready", "browser_session", map[string]any{
		"page_url":   target.String(),
		"remote":     opts.RemoteURL != "",
		"reused_tab": reused,
	})
	return s, nil
}

func (s *Session) controlURL(opts Options) (string, error) {
	if opts.RemoteURL != "" {
		u, err := launcher.ResolveURL(opts.RemoteURL)
		if err != nil {
			return "", fmt.Errorf("browser: resolve remote url: %w", err)
		}
		return u, nil
	}

	l := launcher.New().
		Headless(opts.Headless).
		Set("disable-blink-features", "AutomationControlled")
	u, err := l.Launch()
	if err != nil {
		return "", fmt.Errorf("browser: launch: %w", err)
	}
	s.lnch = l
	return u, nil
}

func (s *Session) findTab(host string) (*rod.Page, bool, error) {
	pages, err := s.browser.Pages()
	if err != nil {
		return nil, false, fmt.Errorf("browser: list tabs: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		u, err := url.Parse(info.URL)
		if err != nil {
			continue
		}
		if strings.EqualFold(u.Hostname(), host) {
			if _, err := p.Activate(); err != nil {
				s.log.WarnObj("activate tab failed", "browser_activate_error", map[string]any{"error": err.Error()})
			}
			return p, true, nil
		}
	}
	return nil, false, nil
}

func (s *Session) openTab(ctx context.Context, pageURL string) (*rod.Page, error) {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, navigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		s.log.WarnObj("wait load timeout", "browser_wait_load", map[string]any{
			"url":   pageURL,
			"error": err.Error(),
		})
	}
	return page, nil
}

// Document returns the tab as a dom.Document.
func (s *Session) Document() *Document { return s.doc }

// Close detaches from the tab. A launched browser is shut down; a remote
// browser is left running.
func (s *Session) Close() error {
	if s.doc != nil {
		s.doc.Close()
	}
	return s.cleanup()
}

func (s *Session) cleanup() error {
	var err error
	if s.lnch != nil {
		if s.browser != nil {
			err = s.browser.Close()
		}
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return err
}
