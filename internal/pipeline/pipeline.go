// Package pipeline implements the Utterance Processor (spec §4.4): per
// utterance, persist the WAV, transcribe, generate a reply, and synthesize
// speech, returning a structured result with per-stage timings. Grounded
// on original_source/backend/core/pipeline.py, extended with the TTS stage
// the distilled Python version omits.
package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/jarvin-ai/listener/internal/capability"
	"github.com/jarvin-ai/listener/internal/config"
	"github.com/jarvin-ai/listener/internal/persistence"
	"github.com/jarvin-ai/listener/internal/trace"
	"github.com/jarvin-ai/listener/internal/wavio"
)

// Timings records each stage's wall-clock duration in milliseconds.
type Timings struct {
	UtterMs     int
	TranscribeMs int
	ReplyMs     int
	TTSMs       int
}

// Result is the Processor's output for one utterance.
type Result struct {
	Transcript string
	Reply      string
	Timings    Timings
	WavPath    string
	TTSPath    string
}

// Processor wires the ASR/LLM/TTS capabilities together per spec §4.4.
type Processor struct {
	asr  capability.ASR
	llm  capability.LLM
	tts  capability.TTS
	wav  config.WAVConfig
	temp string
}

// New builds a Processor. tempDir is the directory unique WAV paths are
// written under (spec §5: "temp-file paths must be unique per call").
func New(asr capability.ASR, llm capability.LLM, tts capability.TTS, wav config.WAVConfig, tempDir string) *Processor {
	return &Processor{asr: asr, llm: llm, tts: tts, wav: wav, temp: tempDir}
}

// Process runs the four-step contract: write PCM → ASR → LLM → TTS. It is
// totally sequential and touches no shared mutable state (spec §4.4
// Guarantees). An empty transcript short-circuits the LLM/TTS steps.
func (p *Processor) Process(ctx context.Context, pcm []int16, sampleRate int) (Result, error) {
	ctx, span := trace.StartSpan(ctx, "pipeline_process")
	defer span.End()
	log := trace.Logger(ctx)

	wavPath := p.uniqueWavPath()
	if err := wavio.WriteInt16Mono(wavPath, pcm, sampleRate, p.wav.NormalizeToDBFS); err != nil {
		return Result{}, err
	}

	result := Result{WavPath: wavPath}
	result.Timings.UtterMs = int(1000 * len(pcm) / max1(sampleRate))

	t0 := time.Now()
	text, err := p.asr.Transcribe(ctx, wavPath)
	result.Timings.TranscribeMs = int(time.Since(t0).Milliseconds())
	if err != nil {
		log.Warn("transcription failed", "error", err, "wav_path", wavPath)
		return result, err
	}
	result.Transcript = strings.TrimSpace(text)

	if result.Transcript == "" {
		return result, nil
	}

	t1 := time.Now()
	reply, err := p.llm.Reply(ctx, capability.ReplyRequest{UserText: result.Transcript})
	result.Timings.ReplyMs = int(time.Since(t1).Milliseconds())
	if err != nil {
		log.Warn("llm reply failed", "error", err, "transcript", result.Transcript)
		return result, err
	}
	result.Reply = reply

	if result.Reply == "" {
		return result, nil
	}

	t2 := time.Now()
	ttsPath, err := p.tts.Synthesize(ctx, result.Reply)
	result.Timings.TTSMs = int(time.Since(t2).Milliseconds())
	if err != nil {
		log.Warn("tts synthesize failed", "error", err, "reply", result.Reply)
		return result, err
	}
	result.TTSPath = ttsPath

	return result, nil
}

// ReplyWithContext runs the LLM/persistence-aware reply path used by the
// /chat control endpoint (spec §6 POST /chat), independent of the
// utterance loop.
func (p *Processor) ReplyWithContext(ctx context.Context, req capability.ReplyRequest, store *persistence.Store, conversationID string, useHistory bool, historyWindow int, useProfile bool) (string, error) {
	if store != nil {
		if useHistory {
			req.Context = joinHistoryContext(store.GetHistory(conversationID), historyWindow, req.Context)
		}
		if useProfile {
			req.Context = joinProfileContext(store.GetUserProfile(), req.Context)
		}
	}
	return p.llm.Reply(ctx, req)
}

func joinHistoryContext(turns []persistence.Turn, window int, existing string) string {
	if window > 0 && len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(strings.ToUpper(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Message)
		b.WriteString("\n")
	}
	if existing != "" {
		b.WriteString(existing)
	}
	return b.String()
}

func joinProfileContext(profile map[string]string, existing string) string {
	if len(profile) == 0 {
		return existing
	}
	var b strings.Builder
	for k, v := range profile {
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(v)
		b.WriteString("; ")
	}
	b.WriteString(existing)
	return b.String()
}

func (p *Processor) uniqueWavPath() string {
	dir := p.temp
	if dir == "" {
		dir = os.TempDir()
	}
	name := "utt_" + xid.New().String() + ".wav"
	return filepath.Join(dir, name)
}

func max1(x int) int {
	if x < 1 {
		return 1
	}
	return x
}
