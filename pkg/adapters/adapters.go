// Package adapters describes how to find and read conversation turns on a
// specific chat site.
package adapters

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/samvad-hq/samvad-conversation-capturer/pkg/dom"
)

var (
	ErrAdapterNotFound = errors.New("no site adapter for host")
	ErrMissingPrompt   = errors.New("prompt element not found")
	ErrMissingResponse = errors.New("response element not found")
	ErrEmptyText       = errors.New("prompt or response text is empty")
)

// Exchange is the text of one prompt/response pair.
type Exchange struct {
	Prompt   string
	Response string
}

// SiteAdapter is the per-site capability set the capture engine drives.
type SiteAdapter interface {
	ID() string
	// Source is the archive enum value for this site.
	Source() string
	Hosts() []string
	RootSelector() string
	CandidateSelector() string
	PrescanExisting() bool
	IsComplete(node dom.Node) (bool, error)
	Extract(node dom.Node) (Exchange, error)
	// Identity returns a value that distinguishes node from other candidates
	// on the same page.
	Identity(node dom.Node) string
}

// Topology says where the prompt lives relative to a candidate.
type Topology string

const (
	TopologySelfContained Topology = "self_contained"
	TopologyPairedSibling Topology = "paired_sibling"

	defaultPairDepth = 1
)

// Definition is the declarative form of a selector-driven adapter.
type Definition struct {
	ID                 string   `json:"id" yaml:"id"`
	Source             string   `json:"source" yaml:"source"`
	Hosts              []string `json:"hosts" yaml:"hosts"`
	RootSelector       string   `json:"root_selector" yaml:"root_selector"`
	CandidateSelector  string   `json:"candidate_selector" yaml:"candidate_selector"`
	CompleteSelector   string   `json:"complete_selector" yaml:"complete_selector"`
	Topology           Topology `json:"topology" yaml:"topology"`
	PromptNodeSelector string   `json:"prompt_node_selector" yaml:"prompt_node_selector"`
	PromptSelector     string   `json:"prompt_selector" yaml:"prompt_selector"`
	ResponseSelector   string   `json:"response_selector" yaml:"response_selector"`
	IdentityAttr       string   `json:"identity_attr" yaml:"identity_attr"`
	Prescan            *bool    `json:"prescan_existing" yaml:"prescan_existing"`
	PairDepth          int      `json:"pair_depth" yaml:"pair_depth"`
}

// New builds a SiteAdapter from def after normalizing and validating it.
func New(def Definition) (SiteAdapter, error) {
	def = sanitizeDefinition(def)
	if err := validateDefinition(def); err != nil {
		return nil, err
	}
	return &selectorAdapter{def: def}, nil
}

func sanitizeDefinition(def Definition) Definition {
	def.ID = strings.ToLower(strings.TrimSpace(def.ID))
	def.Source = strings.ToUpper(strings.TrimSpace(def.Source))
	def.RootSelector = strings.TrimSpace(def.RootSelector)
	def.CandidateSelector = strings.TrimSpace(def.CandidateSelector)
	def.CompleteSelector = strings.TrimSpace(def.CompleteSelector)
	def.Topology = Topology(strings.ToLower(strings.TrimSpace(string(def.Topology))))
	def.PromptNodeSelector = strings.TrimSpace(def.PromptNodeSelector)
	def.PromptSelector = strings.TrimSpace(def.PromptSelector)
	def.ResponseSelector = strings.TrimSpace(def.ResponseSelector)
	def.IdentityAttr = strings.TrimSpace(def.IdentityAttr)

	hosts := make([]string, 0, len(def.Hosts))
	for _, h := range def.Hosts {
		if h = normalizeHost(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	def.Hosts = hosts

	if def.Topology == "" {
		def.Topology = TopologySelfContained
	}
	if def.Prescan == nil {
		on := true
		def.Prescan = &on
	}
	if def.PairDepth <= 0 {
		def.PairDepth = defaultPairDepth
	}
	return def
}

func validateDefinition(def Definition) error {
	if def.ID == "" {
		return errors.New("id is required")
	}
	if def.Source == "" {
		return fmt.Errorf("source is required for adapter %q", def.ID)
	}
	if len(def.Hosts) == 0 {
		return fmt.Errorf("hosts are required for adapter %q", def.ID)
	}

	required := map[string]string{
		"root_selector":      def.RootSelector,
		"candidate_selector": def.CandidateSelector,
		"prompt_selector":    def.PromptSelector,
		"response_selector":  def.ResponseSelector,
	}
	switch def.Topology {
	case TopologySelfContained:
	case TopologyPairedSibling:
		required["prompt_node_selector"] = def.PromptNodeSelector
	default:
		return fmt.Errorf("unknown topology %q for adapter %q", def.Topology, def.ID)
	}
	for name, sel := range required {
		if sel == "" {
			return fmt.Errorf("%s is required for adapter %q", name, def.ID)
		}
	}

	selectors := []string{
		def.RootSelector, def.CandidateSelector, def.CompleteSelector,
		def.PromptNodeSelector, def.PromptSelector, def.ResponseSelector,
	}
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		if _, err := cascadia.Compile(sel); err != nil {
			return fmt.Errorf("adapter %q: invalid selector %q: %w", def.ID, sel, err)
		}
	}
	return nil
}
