package adapters

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultRegistryForHost(t *testing.T) {
	reg := DefaultRegistry()

	cases := map[string]string{
		"chatgpt.com":          ChatGPTID,
		"CHATGPT.com:443":      ChatGPTID,
		"chat.openai.com":      ChatGPTID,
		"gemini.google.com":    GeminiID,
		"eu.gemini.google.com": GeminiID,
	}
	for host, want := range cases {
		a, err := reg.ForHost(host)
		if err != nil {
			t.Fatalf("ForHost(%q): %v", host, err)
		}
		if a.ID() != want {
			t.Fatalf("ForHost(%q) = %s, want %s", host, a.ID(), want)
		}
	}

	if _, err := reg.ForHost("google.com"); !errors.Is(err, ErrAdapterNotFound) {
		t.Fatalf("expected ErrAdapterNotFound for parent domain, got %v", err)
	}
	if _, err := reg.ForHost("example.com"); !errors.Is(err, ErrAdapterNotFound) {
		t.Fatalf("expected ErrAdapterNotFound, got %v", err)
	}
}

func TestLoadRegistryOverridesBuiltins(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapters.yaml")
	raw := `
adapters:
  - id: gemini
    response_selector: ".model-response-text"
    prescan_existing: false
  - id: claude
    source: CLAUDE
    hosts: ["claude.ai"]
    root_selector: "main"
    candidate_selector: ".turn"
    prompt_selector: ".user"
    response_selector: ".assistant"
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	reg, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	if got := len(reg.All()); got != 3 {
		t.Fatalf("expected 3 adapters, got %d", got)
	}

	gem, ok := reg.ByID("gemini")
	if !ok {
		t.Fatalf("gemini adapter missing")
	}
	if gem.PrescanExisting() {
		t.Fatalf("expected prescan override to apply")
	}
	def := gem.(*selectorAdapter).def
	if def.ResponseSelector != ".model-response-text" || def.PromptSelector != ".query-text" {
		t.Fatalf("override not merged: %#v", def)
	}

	if _, err := reg.ForHost("claude.ai"); err != nil {
		t.Fatalf("ForHost(claude.ai): %v", err)
	}
}

func TestLoadRegistryRejectsDuplicateHosts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adapters.json")
	raw := `{"adapters":[{"id":"copy","source":"CHAT_GPT","hosts":["chatgpt.com"],"root_selector":"main","candidate_selector":"article","prompt_selector":"p","response_selector":"div"}]}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := LoadRegistry(path); err == nil {
		t.Fatalf("expected duplicate host error")
	}
}
