// Package capability defines the external ASR/LLM/TTS contracts (spec §6)
// and wraps implementations with the resilience patterns the teacher uses
// for its inference client: a retry loop plus a circuit breaker, so a
// wedged local model cannot stall the orchestrator. The implementations
// themselves are out of scope (spec §1 Non-goals); this package only
// defines the seam and its guard.
package capability

import (
	"context"
	"strings"
	"sync"

	applerrors "github.com/jarvin-ai/listener/internal/errors"
	"github.com/jarvin-ai/listener/internal/resilience"
	"github.com/jarvin-ai/listener/internal/trace"
)

// ASR transcribes a 16-bit mono WAV file to text.
type ASR interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// ReplyRequest carries the LLM capability's input (spec §6).
type ReplyRequest struct {
	SystemInstructions string
	UserText           string
	Context            string
	Temperature        float64
	MaxTokens          int
}

// LLM produces a reply for a user utterance, optionally conditioned on
// conversation context.
type LLM interface {
	Reply(ctx context.Context, req ReplyRequest) (string, error)
}

// TTS synthesizes non-empty text to a WAV file path.
type TTS interface {
	Synthesize(ctx context.Context, text string) (wavPath string, err error)
}

// NullASR always returns an empty transcript; useful as a bootstrap default
// before a real backend is wired in.
type NullASR struct{}

func (NullASR) Transcribe(context.Context, string) (string, error) { return "", nil }

// NullLLM always returns an empty reply.
type NullLLM struct{}

func (NullLLM) Reply(context.Context, ReplyRequest) (string, error) { return "", nil }

// NullTTS never synthesizes; returns a TtsError since no output path can
// be produced.
type NullTTS struct{}

func (NullTTS) Synthesize(context.Context, string) (string, error) {
	return "", applerrors.New(applerrors.TtsError, "no TTS backend configured")
}

// GuardedASR wraps an ASR implementation with retry + circuit breaker.
type GuardedASR struct {
	inner  ASR
	cb     *resilience.Breaker
	retry  resilience.RetryConfig
}

// NewGuardedASR builds a guarded ASR using the default (non-LLM) retry
// profile, matching the teacher's per-capability breaker-per-client shape.
// NewGuardedASR builds a guarded ASR using the aggressive breaker tier:
// transcription sits directly on the listener's synchronous loop, so a
// wedged backend should trip the breaker quickly rather than let the VAD
// cycle stall waiting out the default threshold.
func NewGuardedASR(inner ASR) *GuardedASR {
	return &GuardedASR{inner: inner, cb: resilience.New(resilience.FastConfig()), retry: resilience.DefaultRetryConfig()}
}

func (g *GuardedASR) Transcribe(ctx context.Context, wavPath string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "asr_transcribe")
	defer span.End()

	var text string
	err := resilience.Retry(ctx, g.retry, func() error {
		return g.cb.Execute(func() error {
			t, err := g.inner.Transcribe(ctx, wavPath)
			if err != nil {
				return wrapCapabilityErr(applerrors.AsrError, err)
			}
			text = strings.TrimSpace(t)
			return nil
		})
	})
	if err != nil {
		trace.Logger(ctx).Warn("asr transcribe failed", "error", err)
		return "", err
	}
	return text, nil
}

// GuardedLLM wraps an LLM implementation with the teacher's LLM-specific
// retry profile (more attempts, longer backoff — local model backends are
// flakier under load than a transcriber).
type GuardedLLM struct {
	inner LLM
	cb    *resilience.Breaker
	retry resilience.RetryConfig
}

func NewGuardedLLM(inner LLM) *GuardedLLM {
	return &GuardedLLM{inner: inner, cb: resilience.New(resilience.DefaultConfig()), retry: resilience.LLMRetryConfig()}
}

func (g *GuardedLLM) Reply(ctx context.Context, req ReplyRequest) (string, error) {
	ctx, span := trace.StartSpan(ctx, "llm_reply")
	defer span.End()

	var reply string
	err := resilience.Retry(ctx, g.retry, func() error {
		return g.cb.Execute(func() error {
			r, err := g.inner.Reply(ctx, req)
			if err != nil {
				return wrapCapabilityErr(applerrors.LlmError, err)
			}
			reply = r
			return nil
		})
	})
	if err != nil {
		trace.Logger(ctx).Warn("llm reply failed", "error", err)
		return "", err
	}
	return reply, nil
}

// GuardedTTS wraps a TTS implementation with retry + circuit breaker.
type GuardedTTS struct {
	inner TTS
	cb    *resilience.Breaker
	retry resilience.RetryConfig
}

// NewGuardedTTS builds a guarded TTS using the lenient breaker tier: a
// failed synthesis only drops the spoken reply, not the transcript or the
// text reply, so it can tolerate more failures before tripping than ASR/LLM.
func NewGuardedTTS(inner TTS) *GuardedTTS {
	return &GuardedTTS{inner: inner, cb: resilience.New(resilience.SlowConfig()), retry: resilience.DefaultRetryConfig()}
}

func (g *GuardedTTS) Synthesize(ctx context.Context, text string) (string, error) {
	ctx, span := trace.StartSpan(ctx, "tts_synthesize")
	defer span.End()

	var path string
	err := resilience.Retry(ctx, g.retry, func() error {
		return g.cb.Execute(func() error {
			p, err := g.inner.Synthesize(ctx, text)
			if err != nil {
				return wrapCapabilityErr(applerrors.TtsError, err)
			}
			path = p
			return nil
		})
	})
	if err != nil {
		trace.Logger(ctx).Warn("tts synthesize failed", "error", err)
		return "", err
	}
	return path, nil
}

func wrapCapabilityErr(code applerrors.Code, err error) error {
	if applerrors.IsCode(err, applerrors.Cancelled) {
		return err
	}
	if _, ok := err.(*applerrors.AppError); ok {
		return err
	}
	return applerrors.Wrap(err, code, "capability call failed")
}

// Lazy is a process-wide singleton guarded by sync.Once so concurrent
// first-use deterministically serializes initialization (spec §5).
type Lazy[T any] struct {
	once     sync.Once
	factory  func() (T, error)
	instance T
	err      error
}

// NewLazy builds a lazily-initialized singleton from factory.
func NewLazy[T any](factory func() (T, error)) *Lazy[T] {
	return &Lazy[T]{factory: factory}
}

// Get returns the singleton, initializing it on first call.
func (l *Lazy[T]) Get() (T, error) {
	l.once.Do(func() {
		l.instance, l.err = l.factory()
	})
	return l.instance, l.err
}
