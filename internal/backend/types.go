package backend

// Provider names understood by Profile.Provider.
const (
	ProviderClaude  = "claude"
	ProviderCodex   = "codex"
	ProviderGoose   = "goose"
	ProviderCommand = "command"
)

// Profile describes how to run an agent for one profile hint.
type Profile struct {
	Provider     string   // "claude", "codex", "goose" or "command"
	Command      string   // Executable; defaults to the provider name
	Args         []string // Extra arguments, appended after the provider's own
	Model        string
	LLMProvider  string // For Goose local LLMs (e.g., "ollama", "lmstudio")
	SystemPrompt string
}

// Result is what an agent reports when it finishes.
type Result struct {
	Summary string `json:"summary"`
	Branch  string `json:"branch"`
	PRURL   string `json:"pr_url"`
}
