package adapters

import (
	"fmt"
	"strings"

	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
)

// selectorAdapter implements SiteAdapter from a Definition.
type selectorAdapter struct {
	def Definition
}

func (a *selectorAdapter) ID() string                { return a.def.ID }
func (a *selectorAdapter) Source() string            { return a.def.Source }
func (a *selectorAdapter) RootSelector() string      { return a.def.RootSelector }
func (a *selectorAdapter) CandidateSelector() string { return a.def.CandidateSelector }
func (a *selectorAdapter) PrescanExisting() bool     { return *a.def.Prescan }

func (a *selectorAdapter) Hosts() []string {
	out := make([]string, len(a.def.Hosts))
	copy(out, a.def.Hosts)
	return out
}

// IsComplete reports whether the completion marker has rendered. Without a
// marker every candidate counts as complete.
func (a *selectorAdapter) IsComplete(node dom.Node) (bool, error) {
	if a.def.CompleteSelector == "" {
		return true, nil
	}
	_, ok, err := node.Query(a.def.CompleteSelector)
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (a *selectorAdapter) Identity(node dom.Node) string {
	if a.def.IdentityAttr != "" {
		if v, ok, err := node.Attr(a.def.IdentityAttr); err == nil && ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return node.ID()
}

func (a *selectorAdapter) Extract(node dom.Node) (Exchange, error) {
	var (
		prompt string
		err    error
	)
	switch a.def.Topology {
	case TopologyPairedSibling:
		prompt, err = a.pairedPrompt(node)
	default:
		prompt, err = textOf(node, a.def.PromptSelector, ErrMissingPrompt)
	}
	if err != nil {
		return Exchange{}, err
	}

	response, err := textOf(node, a.def.ResponseSelector, ErrMissingResponse)
	if err != nil {
		return Exchange{}, err
	}

	if prompt == "" || response == "" {
		return Exchange{}, fmt.Errorf("%w (prompt %d chars, response %d chars)", ErrEmptyText, len(prompt), len(response))
	}
	return Exchange{Prompt: prompt, Response: response}, nil
}

// pairedPrompt walks backwards from the response candidate to the nearest
// prompt node. The walk checks preceding siblings first, then climbs one
// ancestor at a time up to PairDepth levels. It never leaves the root
// container and stops at an earlier candidate, since anything before that
// belongs to a different exchange.
func (a *selectorAdapter) pairedPrompt(candidate dom.Node) (string, error) {
	cur := candidate
	for level := 0; level <= a.def.PairDepth; level++ {
		sib, ok, err := cur.PrevSibling()
		for ; ok && err == nil; sib, ok, err = sib.PrevSibling() {
			text, found, stop, err := a.promptFrom(sib)
			if err != nil {
				return "", err
			}
			if found {
				return text, nil
			}
			if stop {
				return "", fmt.Errorf("%w: reached previous exchange", ErrMissingPrompt)
			}
		}
		if err != nil {
			return "", err
		}

		parent, ok, err := cur.Parent()
		if err != nil {
			return "", err
		}
		if !ok {
			break
		}
		isRoot, err := parent.Matches(a.def.RootSelector)
		if err != nil {
			return "", err
		}
		if isRoot {
			break
		}
		cur = parent
	}
	return "", fmt.Errorf("%w: reached container boundary", ErrMissingPrompt)
}

// promptFrom inspects one preceding sibling.
func (a *selectorAdapter) promptFrom(sib dom.Node) (text string, found, stop bool, err error) {
	isPrompt, err := sib.Matches(a.def.PromptNodeSelector)
	if err != nil {
		return "", false, false, err
	}
	if isPrompt {
		text, err = a.promptText(sib)
		return text, err == nil, false, err
	}

	isCandidate, err := sib.Matches(a.def.CandidateSelector)
	if err != nil {
		return "", false, false, err
	}
	if isCandidate {
		return "", false, true, nil
	}
	if _, has, err := sib.Query(a.def.CandidateSelector); err != nil || has {
		return "", false, has, err
	}

	nested, err := sib.QueryAll(a.def.PromptNodeSelector)
	if err != nil || len(nested) == 0 {
		return "", false, false, err
	}
	text, err = a.promptText(nested[len(nested)-1])
	return text, err == nil, false, err
}

func (a *selectorAdapter) promptText(promptNode dom.Node) (string, error) {
	if ok, err := promptNode.Matches(a.def.PromptSelector); err != nil {
		return "", err
	} else if ok {
		return trimmedText(promptNode)
	}
	return textOf(promptNode, a.def.PromptSelector, ErrMissingPrompt)
}

func textOf(node dom.Node, selector string, missing error) (string, error) {
	el, ok, err := node.Query(selector)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", missing, selector)
	}
	return trimmedText(el)
}

func trimmedText(node dom.Node) (string, error) {
	text, err := node.Text()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
