// Package listener implements the Listener Orchestrator run-loop (spec
// §4.7): it owns the PCM Source, drives the VAD's utterance stream,
// dispatches each utterance to the Utterance Processor, matches shutdown
// intents, and publishes live-state snapshots. Grounded directly on
// original_source/backend/listener/runner.py, with lifecycle plumbing
// (Start/Stop, stop channel, trace spans) in the style of the teacher's
// orchestrator/manager.go.
package listener

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/jarvin-ai/listener/internal/audio"
	"github.com/jarvin-ai/listener/internal/config"
	applerrors "github.com/jarvin-ai/listener/internal/errors"
	"github.com/jarvin-ai/listener/internal/intent"
	"github.com/jarvin-ai/listener/internal/livestate"
	"github.com/jarvin-ai/listener/internal/persistence"
	"github.com/jarvin-ai/listener/internal/pipeline"
	"github.com/jarvin-ai/listener/internal/trace"
	"github.com/jarvin-ai/listener/internal/vad"
)

const yieldPoll = 50 * time.Millisecond

// WarmStarter is implemented by ASR backends that want to obtain a cached
// model handle before the first utterance arrives (spec §4.7 step 2).
type WarmStarter interface {
	WarmStart(ctx context.Context) error
}

// Listener owns the capture device for the duration of a run (spec §5
// Shared resource policy) and drives the utterance loop.
type Listener struct {
	cfg       *config.Config
	processor *pipeline.Processor
	asr       interface{} // held only to probe WarmStarter; never called directly otherwise
	store     *persistence.Store
	live      *livestate.Publisher

	mu          sync.Mutex
	deviceIndex *int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Listener. asr is passed separately from processor so the
// orchestrator can warm-start it before the first utterance without
// reaching into the Processor's internals.
func New(cfg *config.Config, processor *pipeline.Processor, asr interface{}, store *persistence.Store, live *livestate.Publisher) *Listener {
	return &Listener{
		cfg:       cfg,
		processor: processor,
		asr:       asr,
		store:     store,
		live:      live,
		stopCh:    make(chan struct{}),
	}
}

// Stop signals the run-loop to exit; idempotent.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Stopped reports whether Stop has been called.
func (l *Listener) Stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// SelectDevice changes the input device used on the next Run call.
func (l *Listener) SelectDevice(index *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deviceIndex = index
}

func (l *Listener) currentDevice() *int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deviceIndex
}

// Run executes the orchestrator algorithm (spec §4.7) until Stop is
// called, the VAD reaches end-of-stream, or a fatal device error occurs.
func (l *Listener) Run(ctx context.Context, initialDelay time.Duration) error {
	log := trace.Logger(ctx)

	if initialDelay > 0 {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(initialDelay):
		}
	}

	if w, ok := l.asr.(WarmStarter); ok {
		if err := w.WarmStart(ctx); err != nil {
			log.Warn("asr warm-start failed", "error", err)
		}
	}

	deviceIndex := l.currentDevice()
	source := audio.NewSource(l.cfg.Audio.SampleRate, l.cfg.Audio.Chunk)
	if err := source.Open(deviceIndex); err != nil {
		return applerrors.Wrap(err, applerrors.DeviceOpenFailed, "open capture device")
	}
	defer source.Close()

	log.Info("microphone stream opened", "chunk", l.cfg.Audio.Chunk,
		"frame_ms", int(1000*l.cfg.Audio.Chunk/max1(l.cfg.Audio.SampleRate)))

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-l.stopCh:
		case <-ctx.Done():
		}
		source.Stop()
	}()

	detector := vad.New(source, l.cfg.Audio.SampleRate, l.cfg.Audio.Chunk, l.cfg.VAD, func(recording bool) {
		l.live.PublishStatus(livestate.StatusFields{Recording: &recording})
	})

	log.Info("calibrating noise floor", "seconds", l.cfg.VAD.CalibrationSec)
	if err := l.runCalibration(detector); err != nil {
		log.Warn("calibration failed", "error", err)
	}

	pendingShutdownDeadline := time.Time{}

	for !l.Stopped() {
		cycleStart := time.Now()

		utt, err := l.nextUtterance(detector)
		if err != nil {
			if err == vad.ErrEndOfStream {
				break
			}
			if l.Stopped() {
				break
			}
			log.Warn("vad stream error", "error", err)
			if !l.wait(yieldPoll) {
				break
			}
			continue
		}

		processingTrue := true
		l.live.PublishStatus(livestate.StatusFields{Processing: &processingTrue})

		result, procErr := l.processor.Process(ctx, utt.PCM, utt.SampleRate)
		if procErr != nil {
			log.Warn("utterance processing error", "error", procErr)
		}

		if l.cfg.Shutdown.ConfirmRequired {
			now := time.Now()
			if !pendingShutdownDeadline.IsZero() && now.After(pendingShutdownDeadline) {
				pendingShutdownDeadline = time.Time{}
			}
			if pendingShutdownDeadline.IsZero() {
				if result.Transcript != "" && intent.IsShutdown(result.Transcript) {
					pendingShutdownDeadline = now.Add(time.Duration(l.cfg.Shutdown.ConfirmWindowSec * float64(time.Second)))
					log.Info("shutdown intent detected, awaiting confirmation", "window_sec", l.cfg.Shutdown.ConfirmWindowSec)
					l.live.PublishSnapshot(livestate.SnapshotFields{
						Transcript: result.Transcript,
						Reply:      "To confirm shutdown, say: 'confirm shutdown'.",
						UtterMs:    result.Timings.UtterMs,
						WavPath:    result.WavPath,
					})
					processingFalse := false
					l.live.PublishStatus(livestate.StatusFields{Processing: &processingFalse})
					if !l.wait(yieldPoll) {
						break
					}
					continue
				}
			} else if result.Transcript != "" && intent.IsConfirm(result.Transcript) {
				log.Info("voice confirmation received, stopping listener")
				processingFalse := false
				l.live.PublishStatus(livestate.StatusFields{Processing: &processingFalse})
				l.Stop()
				break
			}
		} else if result.Transcript != "" && intent.IsShutdown(result.Transcript) {
			log.Info("voice shutdown requested, stopping listener")
			processingFalse := false
			l.live.PublishStatus(livestate.StatusFields{Processing: &processingFalse})
			l.Stop()
			break
		}

		cycleMs := int(time.Since(cycleStart).Milliseconds())

		if l.store != nil {
			if result.Transcript != "" {
				l.store.AppendTurn("user", result.Transcript, "")
			}
			if result.Reply != "" {
				l.store.AppendTurn("assistant", result.Reply, "")
			}
		}

		ttsURL := ""
		if result.TTSPath != "" {
			ttsURL = "/_temp/" + filepath.Base(result.TTSPath)
		}
		l.live.PublishSnapshot(livestate.SnapshotFields{
			Transcript: result.Transcript,
			Reply:      result.Reply,
			UtterMs:    result.Timings.UtterMs,
			CycleMs:    cycleMs,
			WavPath:    result.WavPath,
			TTSUrl:     ttsURL,
		})
		processingFalse := false
		l.live.PublishStatus(livestate.StatusFields{Processing: &processingFalse})

		if !l.wait(yieldPoll) {
			break
		}
	}

	l.Stop()
	<-watcherDone

	recFalse, procFalse := false, false
	l.live.PublishStatus(livestate.StatusFields{Recording: &recFalse, Processing: &procFalse})
	return nil
}

// runCalibration runs Calibrate on a worker goroutine so Run's caller
// (and, were this served from a single task runtime, the Control API)
// remains responsive while the device blocks on initial reads.
func (l *Listener) runCalibration(d *vad.Detector) error {
	done := make(chan error, 1)
	go func() { done <- d.Calibrate(l.cfg.VAD.CalibrationSec) }()
	select {
	case err := <-done:
		return err
	case <-l.stopCh:
		return <-done
	}
}

// nextUtterance runs Detector.Next on a worker goroutine; this is the Go
// equivalent of asyncio.to_thread(next, utter_gen) in the original.
func (l *Listener) nextUtterance(d *vad.Detector) (vad.Utterance, error) {
	type result struct {
		utt vad.Utterance
		err error
	}
	done := make(chan result, 1)
	go func() {
		utt, err := d.Next()
		done <- result{utt, err}
	}()
	r := <-done
	return r.utt, r.err
}

// wait blocks until stop is requested or d elapses; returns false if stop
// fired first.
func (l *Listener) wait(d time.Duration) bool {
	select {
	case <-l.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}

func max1(x int) int {
	if x < 1 {
		return 1
	}
	return x
}
