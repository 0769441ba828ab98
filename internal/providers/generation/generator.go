package generation

import (
	"context"
	"sync"

	"chatcore/internal/apperrors"
)

// Turn is one entry of the history handed to a provider. Role is a user id
// or the assistant sentinel; the engine does not interpret it further.
type Turn struct {
	Role    string
	Content string
}

// Options tunes a single generation call.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Request describes one generation call: which provider/model to run and the
// ordered conversation history to condition on.
type Request struct {
	Provider string
	Model    string
	History  []Turn
	Options  Options
}

// Usage carries the provider's token accounting for a finished call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ContextTokens    int `json:"context_tokens"`
}

// Generator is the consumed generation-service contract. Implementations
// translate Request into vendor calls; that translation lives outside this
// module. Cancelling ctx must stop the stream.
type Generator interface {
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Registry maps provider ids to Generator implementations.
type Registry struct {
	mu         sync.RWMutex
	generators map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]Generator)}
}

func (r *Registry) Register(provider string, gen Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[provider] = gen
}

func (r *Registry) Get(provider string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gen, ok := r.generators[provider]
	if !ok {
		return nil, &apperrors.GenerationError{
			StatusCode: 400,
			Message:    "unknown provider",
			Provider:   provider,
		}
	}
	return gen, nil
}
