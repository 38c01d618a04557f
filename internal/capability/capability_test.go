package capability

import (
	"context"
	"errors"
	"testing"

	applerrors "github.com/jarvin-ai/listener/internal/errors"
)

type fakeASR struct {
	calls int
	fail  int
	text  string
}

func (f *fakeASR) Transcribe(context.Context, string) (string, error) {
	f.calls++
	if f.calls <= f.fail {
		return "", errors.New("pipe hiccup")
	}
	return f.text, nil
}

func TestGuardedASRRetriesTransientFailures(t *testing.T) {
	fake := &fakeASR{fail: 2, text: "  hello world  "}
	g := NewGuardedASR(fake)

	text, err := g.Transcribe(context.Background(), "/tmp/x.wav")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want trimmed %q", text, "hello world")
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3 (2 failures + 1 success)", fake.calls)
	}
}

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Reply(context.Context, ReplyRequest) (string, error) { return f.reply, f.err }

func TestGuardedLLMPassesThroughNonRetryableAppError(t *testing.T) {
	fake := &fakeLLM{err: applerrors.New(applerrors.ConfigError, "bad model path")}
	g := NewGuardedLLM(fake)

	_, err := g.Reply(context.Background(), ReplyRequest{UserText: "hi"})
	if !applerrors.IsCode(err, applerrors.ConfigError) {
		t.Errorf("error = %v, want ConfigError (non-retryable, returned as-is)", err)
	}
}

func TestNullCapabilitiesReturnEmpty(t *testing.T) {
	text, err := (NullASR{}).Transcribe(context.Background(), "/tmp/x.wav")
	if err != nil || text != "" {
		t.Errorf("NullASR.Transcribe() = (%q, %v), want (\"\", nil)", text, err)
	}
	reply, err := (NullLLM{}).Reply(context.Background(), ReplyRequest{})
	if err != nil || reply != "" {
		t.Errorf("NullLLM.Reply() = (%q, %v), want (\"\", nil)", reply, err)
	}
	_, err = (NullTTS{}).Synthesize(context.Background(), "hello")
	if !applerrors.IsCode(err, applerrors.TtsError) {
		t.Errorf("NullTTS.Synthesize() error = %v, want TtsError", err)
	}
}

func TestLazyInitializesExactlyOnce(t *testing.T) {
	calls := 0
	l := NewLazy(func() (int, error) {
		calls++
		return 42, nil
	})

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			v, err := l.Get()
			if err != nil || v != 42 {
				t.Errorf("Get() = (%d, %v), want (42, nil)", v, err)
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
}
