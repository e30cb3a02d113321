package adapters

// ChatGPT renders each message as its own conversation-turn article; the
// assistant article is the candidate and the user article before it holds the
// prompt. The copy button only appears once streaming has finished.
const (
	ChatGPTID     = "chatgpt"
	ChatGPTSource = "CHAT_GPT"
)

// ChatGPTDefinition returns the built-in ChatGPT adapter definition.
func ChatGPTDefinition() Definition {
	return Definition{
		ID:                 ChatGPTID,
		Source:             ChatGPTSource,
		Hosts:              []string{"chatgpt.com", "chat.openai.com"},
		RootSelector:       "main",
		CandidateSelector:  `article[data-testid^='conversation-turn-']:has(div[data-message-author-role='assistant'])`,
		CompleteSelector:   `button[data-testid='copy-turn-action-button']`,
		Topology:           TopologyPairedSibling,
		PromptNodeSelector: `article[data-testid^='conversation-turn-']:has(div[data-message-author-role='user'])`,
		PromptSelector:     `div[data-message-author-role='user']`,
		ResponseSelector:   "div.markdown",
		IdentityAttr:       "data-testid",
		PairDepth:          1,
	}
}
