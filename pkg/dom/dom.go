// Package dom describes the document tree the capture engine reads and marks.
// Implementations exist for a live browser tab and for static HTML.
package dom

import (
	"context"
	"errors"
	"time"
)

// ErrDetached is returned by node operations once the node is no longer part
// of the document.
var ErrDetached = errors.New("dom: node detached")

// Node is an opaque handle to an element.
// Lookups that find nothing return ok=false with a nil error.
type Node interface {
	// ID is stable for the lifetime of the element within one document.
	ID() string
	Attr(name string) (string, bool, error)
	SetAttr(name, value string) error
	// Query returns the first descendant matching selector.
	Query(selector string) (Node, bool, error)
	// QueryAll returns matching descendants in document order.
	QueryAll(selector string) ([]Node, error)
	Matches(selector string) (bool, error)
	Text() (string, error)
	// PrevSibling returns the previous element sibling.
	PrevSibling() (Node, bool, error)
	// Parent returns the parent element.
	Parent() (Node, bool, error)
	Connected() (bool, error)
}

// Batch is one delivery of mutation records under an observed root.
type Batch struct {
	Records int
	At      time.Time
}

// Subscription streams mutation batches for an observed root.
type Subscription interface {
	Batches() <-chan Batch
	// Detached is closed once the observed root leaves the document.
	Detached() <-chan struct{}
	Close() error
}

// Document is a queryable, observable tree.
type Document interface {
	Query(selector string) (Node, bool, error)
	// Observe reports child-list and text mutations below root. Attribute
	// changes are not reported.
	Observe(ctx context.Context, root Node) (Subscription, error)
}

// Same reports whether a and b refer to the same element.
func Same(a, b Node) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ID() == b.ID()
}
