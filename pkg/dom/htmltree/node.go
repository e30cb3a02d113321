package htmltree

import (
	"fmt"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
	"golang.org/x/net/html"
)

type node struct {
	d *Document
	n *html.Node
}

func (n *node) String() string {
	return fmt.Sprintf("<%s %s>", n.n.Data, n.ID())
}

func (n *node) ID() string { return n.d.idFor(n.n) }

func (n *node) sel() *goquery.Selection {
	return goquery.NewDocumentFromNode(n.n).Selection
}

// read runs fn under the read lock after checking the node is still attached.
func (n *node) read(fn func() error) error {
	n.d.mu.RLock()
	defer n.d.mu.RUnlock()
	if !n.d.connected(n.n) {
		return fmt.Errorf("%w: %s", dom.ErrDetached, n.n.Data)
	}
	return fn()
}

func (n *node) Attr(name string) (val string, ok bool, err error) {
	err = n.read(func() error {
		val, ok = n.sel().Attr(name)
		return nil
	})
	return val, ok, err
}

func (n *node) SetAttr(name, value string) error {
	n.d.mu.Lock()
	defer n.d.mu.Unlock()
	if !n.d.connected(n.n) {
		return fmt.Errorf("%w: %s", dom.ErrDetached, n.n.Data)
	}
	n.sel().SetAttr(name, value)
	return nil
}

func (n *node) Query(selector string) (dom.Node, bool, error) {
	m, err := n.d.compile(selector)
	if err != nil {
		return nil, false, err
	}
	var found *html.Node
	err = n.read(func() error {
		if s := n.sel().FindMatcher(m); s.Length() > 0 {
			found = s.Get(0)
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, false, err
	}
	return n.d.wrap(found), true, nil
}

func (n *node) QueryAll(selector string) ([]dom.Node, error) {
	m, err := n.d.compile(selector)
	if err != nil {
		return nil, err
	}
	var out []dom.Node
	err = n.read(func() error {
		n.sel().FindMatcher(m).Each(func(_ int, s *goquery.Selection) {
			out = append(out, n.d.wrap(s.Get(0)))
		})
		return nil
	})
	return out, err
}

func (n *node) Matches(selector string) (bool, error) {
	m, err := n.d.compile(selector)
	if err != nil {
		return false, err
	}
	var ok bool
	err = n.read(func() error {
		ok = n.sel().IsMatcher(m)
		return nil
	})
	return ok, err
}

func (n *node) Text() (text string, err error) {
	err = n.read(func() error {
		text = n.sel().Text()
		return nil
	})
	return text, err
}

func (n *node) PrevSibling() (dom.Node, bool, error) {
	return n.step(func(s *goquery.Selection) *goquery.Selection { return s.Prev() })
}

func (n *node) Parent() (dom.Node, bool, error) {
	return n.step(func(s *goquery.Selection) *goquery.Selection { return s.Parent() })
}

func (n *node) step(move func(*goquery.Selection) *goquery.Selection) (dom.Node, bool, error) {
	var found *html.Node
	err := n.read(func() error {
		if s := move(n.sel()); s.Length() > 0 {
			found = s.Get(0)
		}
		return nil
	})
	if err != nil || found == nil {
		return nil, false, err
	}
	return n.d.wrap(found), true, nil
}

func (n *node) Connected() (bool, error) {
	n.d.mu.RLock()
	defer n.d.mu.RUnlock()
	return n.d.connected(n.n), nil
}

type subscription struct {
	d        *Document
	root     *html.Node
	batches  chan dom.Batch
	detached chan struct{}

	detachOnce sync.Once
	closeOnce  sync.Once
	done       chan struct{}
}

func (s *subscription) Batches() <-chan dom.Batch  { return s.batches }
func (s *subscription) Detached() <-chan struct{} { return s.detached }

func (s *subscription) detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}

// Close stops delivery. Batches is never closed so a reader cannot mistake
// shutdown for a mutation.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.d.mu.Lock()
		delete(s.d.subs, s)
		s.d.mu.Unlock()
		close(s.done)
	})
	return nil
}
