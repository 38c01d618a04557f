package pipeline

import (
	"context"
	"os"
	"testing"

	"github.com/jarvin-ai/listener/internal/capability"
	"github.com/jarvin-ai/listener/internal/config"
	"github.com/jarvin-ai/listener/internal/persistence"
)

type stubASR struct{ text string }

func (s stubASR) Transcribe(context.Context, string) (string, error) { return s.text, nil }

type stubLLM struct{ reply string }

func (s stubLLM) Reply(context.Context, capability.ReplyRequest) (string, error) { return s.reply, nil }

type stubTTS struct{ path string }

func (s stubTTS) Synthesize(context.Context, string) (string, error) { return s.path, nil }

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pipeline-test-")
	if err != nil {
		t.Fatalf("MkdirTemp() error = %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func samplePCM(n int) []int16 {
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(i % 1000)
	}
	return pcm
}

func TestProcessFullChain(t *testing.T) {
	p := New(stubASR{text: "  hello  "}, stubLLM{reply: "hi there"}, stubTTS{path: "/tmp/out.wav"}, config.WAVConfig{}, tempDir(t))

	result, err := p.Process(context.Background(), samplePCM(16000), 16000)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Transcript != "hello" {
		t.Errorf("Transcript = %q, want trimmed %q", result.Transcript, "hello")
	}
	if result.Reply != "hi there" {
		t.Errorf("Reply = %q, want %q", result.Reply, "hi there")
	}
	if result.TTSPath != "/tmp/out.wav" {
		t.Errorf("TTSPath = %q, want %q", result.TTSPath, "/tmp/out.wav")
	}
	if result.Timings.UtterMs != 1000 {
		t.Errorf("UtterMs = %d, want 1000", result.Timings.UtterMs)
	}
	if _, err := os.Stat(result.WavPath); err != nil {
		t.Errorf("wav file not written: %v", err)
	}
}

func TestProcessEmptyTranscriptShortCircuits(t *testing.T) {
	calledLLM := false
	llm := llmFunc(func(context.Context, capability.ReplyRequest) (string, error) {
		calledLLM = true
		return "should not be called", nil
	})
	p := New(stubASR{text: "   "}, llm, stubTTS{}, config.WAVConfig{}, tempDir(t))

	result, err := p.Process(context.Background(), samplePCM(1600), 16000)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.Transcript != "" {
		t.Errorf("Transcript = %q, want empty", result.Transcript)
	}
	if result.Reply != "" {
		t.Errorf("Reply = %q, want empty (short-circuited)", result.Reply)
	}
	if calledLLM {
		t.Error("LLM should not be called when transcript is empty")
	}
}

func TestProcessEmptyReplySkipsTTS(t *testing.T) {
	calledTTS := false
	tts := ttsFunc(func(context.Context, string) (string, error) {
		calledTTS = true
		return "/tmp/should-not.wav", nil
	})
	p := New(stubASR{text: "hello"}, stubLLM{reply: ""}, tts, config.WAVConfig{}, tempDir(t))

	result, err := p.Process(context.Background(), samplePCM(1600), 16000)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result.TTSPath != "" {
		t.Errorf("TTSPath = %q, want empty (reply was empty)", result.TTSPath)
	}
	if calledTTS {
		t.Error("TTS should not be called when reply is empty")
	}
}

func TestReplyWithContextJoinsHistoryAndProfile(t *testing.T) {
	var captured capability.ReplyRequest
	llm := llmFunc(func(_ context.Context, req capability.ReplyRequest) (string, error) {
		captured = req
		return "ok", nil
	})
	p := New(stubASR{}, llm, stubTTS{}, config.WAVConfig{}, tempDir(t))

	store := persistence.NewStore(0, persistence.NoopSink{})
	store.AppendTurn("user", "earlier message", "conv1")
	store.SetUserProfile(map[string]string{"name": "Ada"})

	_, err := p.ReplyWithContext(context.Background(), capability.ReplyRequest{UserText: "hi"}, store, "conv1", true, 10, true)
	if err != nil {
		t.Fatalf("ReplyWithContext() error = %v", err)
	}
	if captured.Context == "" {
		t.Error("Context should be populated from history + profile")
	}
}

type llmFunc func(context.Context, capability.ReplyRequest) (string, error)

func (f llmFunc) Reply(ctx context.Context, req capability.ReplyRequest) (string, error) { return f(ctx, req) }

type ttsFunc func(context.Context, string) (string, error)

func (f ttsFunc) Synthesize(ctx context.Context, text string) (string, error) { return f(ctx, text) }
