package adapters

// Gemini keeps the query and the model response inside one conversation
// container.
const (
	GeminiID     = "gemini"
	GeminiSource = "GEMINI"
)

// GeminiDefinition returns the built-in Gemini adapter definition.
func GeminiDefinition() Definition {
	return Definition{
		ID:                GeminiID,
		Source:            GeminiSource,
		Hosts:             []string{"gemini.google.com"},
		RootSelector:      "main",
		CandidateSelector: ".conversation-container",
		CompleteSelector:  "thumb-up-button",
		Topology:          TopologySelfContained,
		PromptSelector:    ".query-text",
		ResponseSelector:  ".markdown",
		IdentityAttr:      "id",
	}
}
