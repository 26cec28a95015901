// Package modelrelay provides a high-level façade over the provider model
// adapters and session services. Most applications interact with this package
// by:
//  1. Creating a Relay via New() with a provider model (anthropic, openai, gemini)
//  2. Sending user messages with Chat (streaming) or ChatSync (buffered)
//
// The façade keeps session history and the cross-turn reasoning cache wired
// into every request so tool-use loops behave correctly without callers
// managing provider-specific state. All defaults are safe for local
// development and testing; production deployments typically supply a durable
// session store and a structured logger.
package modelrelay

import (
	"context"
	"time"

	"github.com/hupe1980/modelrelay/core"
	"github.com/hupe1980/modelrelay/logging"
	"github.com/hupe1980/modelrelay/model"
	"github.com/hupe1980/modelrelay/session"
)

// Options configures the Relay instance.
type Options struct {
	// SessionStore persists conversation histories. Defaults to an in-memory
	// implementation if not provided.
	SessionStore session.Store

	// Stream toggles streaming generation. When false, providers are called
	// in blocking mode and a single final delta is emitted.
	Stream bool

	// MaxTokens caps completion length when the per-call request does not.
	MaxTokens int64

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Relay is the high-level façade aggregating a provider model and services.
type Relay struct {
	model model.Model
	opts  Options
}

// New creates a new Relay for the given model with optional overrides.
func New(m model.Model, optFns ...func(o *Options)) *Relay {
	opts := Options{
		SessionStore: session.NewInMemoryStore(),
		Stream:       true,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Relay{model: m, opts: opts}
}

// Chat appends the user message to the session history and starts a
// generation. It returns the delta and error channels of the underlying
// model; the completed assistant message is appended to the session when the
// final delta arrives.
func (r *Relay) Chat(ctx context.Context, sessionID string, userMsg core.Message) (<-chan model.Delta, <-chan error, error) {
	sess, err := r.opts.SessionStore.Get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	sess.AddMessage(userMsg)

	req := model.Request{
		Messages:  sess.Messages,
		MaxTokens: r.opts.MaxTokens,
		Stream:    r.opts.Stream,
		Cache:     sess.Reasoning,
	}

	deltas, errs := r.model.Generate(ctx, req)

	out := make(chan model.Delta, 32)
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errOut)
		start := time.Now()
		var billed int
		for d := range deltas {
			if d.Type == model.DeltaTypeFinal {
				if d.Message != nil {
					sess.AddMessage(*d.Message)
				}
				if d.Usage != nil {
					billed = d.Usage.TotalBilledTokens()
				}
				if err := r.opts.SessionStore.Save(sess); err != nil {
					r.opts.Logger.Error("save session", "session_id", sessionID, "error", err)
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- d:
			}
		}
		callErr := <-errs
		if callErr != nil {
			errOut <- callErr
		}
		logging.LogModelCall(r.opts.Logger, r.model.Info().Name, billed, time.Since(start), callErr)
	}()

	return out, errOut, nil
}

// ChatSync is a synchronous helper that drains the delta channel and returns
// the final assistant message together with the accumulated text.
func (r *Relay) ChatSync(ctx context.Context, sessionID string, userMsg core.Message) (*core.Message, error) {
	deltas, errs, err := r.Chat(ctx, sessionID, userMsg)
	if err != nil {
		return nil, err
	}

	var final *core.Message
	for {
		select {
		case <-ctx.Done():
			return final, ctx.Err()
		case d, ok := <-deltas:
			if !ok {
				select {
				case err := <-errs:
					return final, err
				default:
					return final, nil
				}
			}
			if d.Type == model.DeltaTypeFinal {
				final = d.Message
			}
		case err, ok := <-errs:
			if !ok {
				// A closed error channel would otherwise spin this select.
				errs = nil
				continue
			}
			if err != nil {
				return final, err
			}
		}
	}
}
