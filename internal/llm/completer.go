package llm

import "context"

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// DefaultTemperature biases providers toward deterministic, schema-shaped output.
const DefaultTemperature = 0.1

// Completer performs one chat-style completion: a system instruction and a user
// instruction in, free text out. Implementations do not retry.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}
