// Package llm defines the model contract every stage agent talks to (spec
// section 6): a closed set of message/response types plus a Model
// interface, so callers never need to unmarshal a provider-specific
// response shape by hand.
package llm

import "context"

// Message is the universal chat message shape: role plus text content.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Response is implemented by a small closed set of concrete types
// (TextResponse today); Text always concatenates whatever text-typed
// content the response carries, so callers never branch on a provider's
// internal block shape.
type Response interface {
	Text() string
}

// TextResponse is a plain string response — the only concrete Response
// this engine's one built-in provider produces, matching the standard
// text-block extraction protocol spec.md section 4.6 describes.
type TextResponse struct {
	Content string
}

func (r TextResponse) Text() string { return r.Content }

// StreamChunk is one fragment of a streamed Generate call.
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// Options configures a single Generate/GenerateStream call.
type Options struct {
	Temperature     float64
	MaxTokens       int
	Model           string
	ReasoningEffort string // "low", "medium", "high"; "" omits the field entirely
}

// Option mutates Options.
type Option func(*Options)

func WithTemperature(t float64) Option         { return func(o *Options) { o.Temperature = t } }
func WithMaxTokens(n int) Option               { return func(o *Options) { o.MaxTokens = n } }
func WithModel(name string) Option             { return func(o *Options) { o.Model = name } }
func WithReasoningEffort(effort string) Option { return func(o *Options) { o.ReasoningEffort = effort } }

func resolveOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Model is the contract every stage agent invokes. One concrete
// implementation (OpenAI-compatible chat completions) ships with this
// engine; anything satisfying Model is swappable in its place.
type Model interface {
	Generate(ctx context.Context, messages []Message, opts ...Option) (Response, error)
	GenerateStream(ctx context.Context, messages []Message, opts ...Option) (<-chan StreamChunk, error)
}
