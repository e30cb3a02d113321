package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/cdp"
	"github.com/go-rod/rod/lib/proto"

	"github.com/samvad-hq/samvad-conversation-capturer/internal/logger"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
)

//go:embed observer.js
var observerJS string

const (
	bindingName      = "__capture_binding"
	defaultOpTimeout = 5 * time.Second
)

// Document adapts a live tab to dom.Document. Mutation batches arrive over a
// Runtime binding called by an injected MutationObserver.
type Document struct {
	page      *rod.Page
	ctx       context.Context
	cancel    context.CancelFunc
	opTimeout time.Duration
	log       logger.Logger

	mu   sync.Mutex
	subs map[string]*subscription
	seq  atomic.Uint64
}

// NewDocument installs the binding on page and starts routing its calls.
func NewDocument(ctx context.Context, page *rod.Page, opTimeout time.Duration, log logger.Logger) (*Document, error) {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	ctx, cancel := context.WithCancel(ctx)
	d := &Document{
		page:      page,
		ctx:       ctx,
		cancel:    cancel,
		opTimeout: opTimeout,
		log:       logger.Ensure(log),
		subs:      make(map[string]*subscription),
	}

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(page); err != nil {
		cancel()
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	go page.Context(ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name == bindingName {
			d.dispatch(e.Payload)
		}
	})()
	return d, nil
}

// Close stops event routing and detaches every subscription.
func (d *Document) Close() {
	d.cancel()
	d.mu.Lock()
	subs := d.subs
	d.subs = make(map[string]*subscription)
	d.mu.Unlock()
	for _, s := range subs {
		s.detach()
	}
}

// Query finds the first element matching selector in the page.
func (d *Document) Query(selector string) (dom.Node, bool, error) {
	ctx, cancel := d.opContext()
	defer cancel()

	ok, el, err := d.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, false, classify(err)
	}
	if !ok {
		return nil, false, nil
	}
	return d.wrap(el), true, nil
}

// Observe injects a MutationObserver on root.
func (d *Document) Observe(ctx context.Context, root dom.Node) (dom.Subscription, error) {
	n, ok := root.(*node)
	if !ok || n.doc != d {
		return nil, fmt.Errorf("browser: node does not belong to this document")
	}

	token := "s" + strconv.FormatUint(d.seq.Add(1), 10)
	sub := &subscription{
		doc:      d,
		root:     n,
		token:    token,
		batches:  make(chan dom.Batch, 64),
		detached: make(chan struct{}),
		done:     make(chan struct{}),
	}
	d.mu.Lock()
	d.subs[token] = sub
	d.mu.Unlock()

	if _, err := n.eval(observerJS, token, bindingName); err != nil {
		d.remove(token)
		return nil, fmt.Errorf("browser: inject observer: %w", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

type bindingMessage struct {
	Token    string `json:"token"`
	Records  int    `json:"records"`
	Detached bool   `json:"detached"`
}

func (d *Document) dispatch(payload string) {
	var msg bindingMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		d.log.WarnObj("bad observer payload", "browser_binding_error", map[string]any{"error": err.Error()})
		return
	}

	d.mu.Lock()
	sub := d.subs[msg.Token]
	d.mu.Unlock()
	if sub == nil {
		return
	}
	if msg.Detached {
		sub.detach()
		return
	}
	select {
	case sub.batches <- dom.Batch{Records: msg.Records, At: time.Now()}:
	default:
	}
}

func (d *Document) remove(token string) {
	d.mu.Lock()
	delete(d.subs, token)
	d.mu.Unlock()
}

func (d *Document) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(d.ctx, d.opTimeout)
}

func (d *Document) wrap(el *rod.Element) *node {
	return &node{doc: d, el: el}
}

// classify maps protocol errors for stale objects to dom.ErrDetached.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cdp.ErrObjNotFound),
		errors.Is(err, cdp.ErrCtxNotFound),
		errors.Is(err, cdp.ErrCtxDestroyed),
		errors.Is(err, &rod.ObjectNotFoundError{}):
		return fmt.Errorf("%w: %w", dom.ErrDetached, err)
	default:
		return err
	}
}

type subscription struct {
	doc      *Document
	root     *node
	token    string
	batches  chan dom.Batch
	detached chan struct{}
	done     chan struct{}

	detachOnce sync.Once
	closeOnce  sync.Once
}

func (s *subscription) Batches() <-chan dom.Batch  { return s.batches }
func (s *subscription) Detached() <-chan struct{} { return s.detached }

func (s *subscription) detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

// Close disconnects the injected observer. Errors from a page that already
// navigated away are ignored.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.doc.remove(s.token)
		_, _ = s.root.evalPage(`(t) => {
			const stop = window.__capture_observers && window.__capture_observers[t];
			if (stop) stop();
		}`, s.token)
	})
	return nil
}
