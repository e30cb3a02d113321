// Package htmltree implements dom.Document over a static HTML tree parsed with
// goquery. The tree can be mutated in place, which notifies observers the way
// a live page would.
package htmltree

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
	"golang.org/x/net/html"
)

const batchBuffer = 64

// Document is a mutable in-memory HTML document.
type Document struct {
	mu   sync.RWMutex
	doc  *goquery.Document
	ids  map[*html.Node]string
	seq  uint64
	subs map[*subscription]struct{}

	selMu sync.Mutex
	sels  map[string]cascadia.Selector
}

// Parse reads an HTML document from r.
func Parse(r io.Reader) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{
		doc:  doc,
		ids:  make(map[*html.Node]string),
		subs: make(map[*subscription]struct{}),
		sels: make(map[string]cascadia.Selector),
	}, nil
}

// ParseString is Parse over an in-memory string.
func ParseString(markup string) (*Document, error) {
	return Parse(strings.NewReader(markup))
}

// Query returns the first element in the document matching selector.
func (d *Document) Query(selector string) (dom.Node, bool, error) {
	m, err := d.compile(selector)
	if err != nil {
		return nil, false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	found := d.doc.FindMatcher(m).First()
	if found.Length() == 0 {
		return nil, false, nil
	}
	return d.wrap(found.Get(0)), true, nil
}

// Observe subscribes to mutations below root.
func (d *Document) Observe(ctx context.Context, root dom.Node) (dom.Subscription, error) {
	n, ok := root.(*node)
	if !ok || n.d != d {
		return nil, fmt.Errorf("htmltree: node %v does not belong to this document", root)
	}

	sub := &subscription{
		d:        d,
		root:     n.n,
		batches:  make(chan dom.Batch, batchBuffer),
		detached: make(chan struct{}),
		done:     make(chan struct{}),
	}

	d.mu.Lock()
	connected := d.connected(n.n)
	d.subs[sub] = struct{}{}
	d.mu.Unlock()

	if !connected {
		sub.detach()
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Append parses markup and appends it to the first element matching selector.
func (d *Document) Append(selector, markup string) error {
	return d.mutate(selector, func(s *goquery.Selection) { s.AppendHtml(markup) })
}

// Prepend parses markup and inserts it as the first children of the first
// element matching selector.
func (d *Document) Prepend(selector, markup string) error {
	return d.mutate(selector, func(s *goquery.Selection) { s.PrependHtml(markup) })
}

// Replace swaps the first element matching selector for markup.
func (d *Document) Replace(selector, markup string) error {
	return d.mutate(selector, func(s *goquery.Selection) { s.ReplaceWithHtml(markup) })
}

// Remove detaches the first element matching selector.
func (d *Document) Remove(selector string) error {
	return d.mutate(selector, func(s *goquery.Selection) { s.Remove() })
}

// SetText replaces the children of the first element matching selector with text.
func (d *Document) SetText(selector, text string) error {
	return d.mutate(selector, func(s *goquery.Selection) { s.SetText(text) })
}

func (d *Document) mutate(selector string, fn func(*goquery.Selection)) error {
	m, err := d.compile(selector)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	target := d.doc.FindMatcher(m).First()
	if target.Length() == 0 {
		return fmt.Errorf("htmltree: no element matches %q", selector)
	}
	parent := target.Get(0).Parent
	fn(target)
	d.notify(target.Get(0), parent)
	return nil
}

// notify must be called with d.mu held.
func (d *Document) notify(target, parent *html.Node) {
	now := time.Now()
	for sub := range d.subs {
		if !d.connected(sub.root) {
			sub.detach()
			continue
		}
		if !contains(sub.root, target) && !contains(sub.root, parent) {
			continue
		}
		select {
		case sub.batches <- dom.Batch{Records: 1, At: now}:
		default:
		}
	}
}

func (d *Document) compile(selector string) (cascadia.Selector, error) {
	d.selMu.Lock()
	defer d.selMu.Unlock()

	if m, ok := d.sels[selector]; ok {
		return m, nil
	}
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	d.sels[selector] = m
	return m, nil
}

// wrap must be called with d.mu held (read or write).
func (d *Document) wrap(n *html.Node) *node {
	return &node{d: d, n: n}
}

func (d *Document) idFor(n *html.Node) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.ids[n]; ok {
		return id
	}
	d.seq++
	id := "n" + strconv.FormatUint(d.seq, 10)
	d.ids[n] = id
	return id
}

// connected must be called with d.mu held.
func (d *Document) connected(n *html.Node) bool {
	root := d.doc.Get(0)
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root {
			return true
		}
	}
	return false
}

func contains(root, n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur == root {
			return true
		}
	}
	return false
}
