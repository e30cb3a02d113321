package browser

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-rod/rod"
	"github.com/ysmood/gson"

	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
)

// node wraps a remote element handle. Every call is bounded by the
// document's op timeout.
type node struct {
	doc *Document
	el  *rod.Element

	idOnce sync.Once
	id     string
}

// ID is the element's backend node id, stable for the element's lifetime.
func (n *node) ID() string {
	n.idOnce.Do(func() {
		ctx, cancel := n.doc.opContext()
		defer cancel()
		desc, err := n.el.Context(ctx).Describe(0, false)
		if err != nil {
			n.id = "obj:" + string(n.el.Object.ObjectID)
			return
		}
		n.id = "bn:" + strconv.Itoa(int(desc.BackendNodeID))
	})
	return n.id
}

func (n *node) Attr(name string) (string, bool, error) {
	v, err := n.eval(`(name) => {
		if (!this.isConnected) return { detached: true };
		const v = this.getAttribute(name);
		return { ok: v !== null, v: v === null ? "" : v };
	}`, name)
	if err != nil {
		return "", false, err
	}
	return v.Get("v").Str(), v.Get("ok").Bool(), nil
}

func (n *node) SetAttr(name, value string) error {
	_, err := n.eval(`(name, value) => {
		if (!this.isConnected) return { detached: true };
		this.setAttribute(name, value);
		return {};
	}`, name, value)
	return err
}

func (n *node) Query(selector string) (dom.Node, bool, error) {
	if err := n.ensureConnected(); err != nil {
		return nil, false, err
	}
	ctx, cancel := n.doc.opContext()
	defer cancel()

	ok, el, err := n.el.Context(ctx).Has(selector)
	if err != nil {
		return nil, false, classify(err)
	}
	if !ok {
		return nil, false, nil
	}
	return n.doc.wrap(el), true, nil
}

func (n *node) QueryAll(selector string) ([]dom.Node, error) {
	if err := n.ensureConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := n.doc.opContext()
	defer cancel()

	els, err := n.el.Context(ctx).Elements(selector)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]dom.Node, 0, len(els))
	for _, el := range els {
		out = append(out, n.doc.wrap(el))
	}
	return out, nil
}

func (n *node) Matches(selector string) (bool, error) {
	v, err := n.eval(`(s) => {
		if (!this.isConnected) return { detached: true };
		return { v: this.matches(s) };
	}`, selector)
	if err != nil {
		return false, err
	}
	return v.Get("v").Bool(), nil
}

// Text returns the rendered text, falling back to textContent for elements
// that are not laid out.
func (n *node) Text() (string, error) {
	v, err := n.eval(`() => {
		if (!this.isConnected) return { detached: true };
		return { v: this.innerText || this.textContent || "" };
	}`)
	if err != nil {
		return "", err
	}
	return v.Get("v").Str(), nil
}

func (n *node) PrevSibling() (dom.Node, bool, error) {
	return n.relative((*rod.Element).Previous)
}

func (n *node) Parent() (dom.Node, bool, error) {
	return n.relative((*rod.Element).Parent)
}

func (n *node) relative(step func(*rod.Element) (*rod.Element, error)) (dom.Node, bool, error) {
	if err := n.ensureConnected(); err != nil {
		return nil, false, err
	}
	ctx, cancel := n.doc.opContext()
	defer cancel()

	el, err := step(n.el.Context(ctx))
	if errors.Is(err, &rod.ElementNotFoundError{}) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classify(err)
	}
	return n.doc.wrap(el), true, nil
}

func (n *node) Connected() (bool, error) {
	ctx, cancel := n.doc.opContext()
	defer cancel()
	res, err := n.el.Context(ctx).Eval(`() => this.isConnected`)
	if err != nil {
		err = classify(err)
		if errors.Is(err, dom.ErrDetached) {
			return false, nil
		}
		return false, err
	}
	return res.Value.Bool(), nil
}

func (n *node) ensureConnected() error {
	ok, err := n.Connected()
	if err != nil {
		return err
	}
	if !ok {
		return dom.ErrDetached
	}
	return nil
}

// eval runs js with this bound to the element. A result carrying
// detached=true becomes dom.ErrDetached.
func (n *node) eval(js string, args ...any) (gson.JSON, error) {
	ctx, cancel := n.doc.opContext()
	defer cancel()

	res, err := n.el.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.JSON{}, classify(err)
	}
	if res.Value.Get("detached").Bool() {
		return gson.JSON{}, dom.ErrDetached
	}
	return res.Value, nil
}

// evalPage runs js in the page rather than on the element, for calls that
// must work after the element is gone.
func (n *node) evalPage(js string, args ...any) (gson.JSON, error) {
	ctx, cancel := n.doc.opContext()
	defer cancel()

	res, err := n.doc.page.Context(ctx).Eval(js, args...)
	if err != nil {
		return gson.JSON{}, fmt.Errorf("browser: page eval: %w", classify(err))
	}
	return res.Value, nil
}
