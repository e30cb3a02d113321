package capture

import (
	"fmt"

	"github.com/samvad-hq/samvad-conversation-capturer/pkg/adapters"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
)

const (
	// MarkAttribute is written on every candidate the engine has dealt with.
	MarkAttribute = "data-capture-mark"

	MarkCaptured = "captured"
	MarkHistory  = "history"
)

// Ledger records processed candidates on the nodes themselves, so a node
// that is re-rendered from scratch is treated as new while a node that only
// changes content is not.
type Ledger struct{}

// IsMarked reports whether node carries a mark.
func (l Ledger) IsMarked(node dom.Node) (bool, error) {
	_, ok, err := node.Attr(MarkAttribute)
	return ok, err
}

// Mark writes value onto node.
func (l Ledger) Mark(node dom.Node, value string) error {
	if err := node.SetAttr(MarkAttribute, value); err != nil {
		return fmt.Errorf("mark node %s: %w", node.ID(), err)
	}
	return nil
}

// Admit marks node as captured unless it is already marked. It returns true
// only for the call that placed the mark.
func (l Ledger) Admit(node dom.Node) (bool, error) {
	marked, err := l.IsMarked(node)
	if err != nil || marked {
		return false, err
	}
	if err := l.Mark(node, MarkCaptured); err != nil {
		return false, err
	}
	return true, nil
}

// Prescan marks every complete, unmarked candidate under root as history so
// it is never extracted. Incomplete candidates stay unmarked and are picked up
// once they finish.
func (l Ledger) Prescan(root dom.Node, adapter adapters.SiteAdapter) (int, error) {
	nodes, err := root.QueryAll(adapter.CandidateSelector())
	if err != nil {
		return 0, fmt.Errorf("prescan candidates: %w", err)
	}

	marked := 0
	for _, n := range nodes {
		already, err := l.IsMarked(n)
		if err != nil || already {
			continue
		}
		done, err := adapter.IsComplete(n)
		if err != nil || !done {
			continue
		}
		if err := l.Mark(n, MarkHistory); err != nil {
			continue
		}
		marked++
	}
	return marked, nil
}
