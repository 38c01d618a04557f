// Package vad implements the adaptive noise-gated voice activity detector
// (spec §4.2): it consumes PCM frames from a Source, maintains noise-floor
// and envelope RMS estimates, and produces finalized Utterances with a
// pre-roll prefix. Grounded directly on the original Python
// audio/vad/detector.py and audio/vad/utils.py.
package vad

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/jarvin-ai/listener/internal/audio"
	"github.com/jarvin-ai/listener/internal/config"
	applerrors "github.com/jarvin-ai/listener/internal/errors"
)

// FrameReader is the minimal contract the detector needs from a PCM source,
// satisfied by *audio.Source.
type FrameReader interface {
	ReadFrame() (audio.Frame, error)
}

// Utterance is a concatenation of frames representing one contiguous speech
// segment. Always mono, never mutated after construction.
type Utterance struct {
	PCM        []int16
	SampleRate int
	DurationMs int
}

// ErrEndOfStream is returned by Next once the underlying Source has stopped
// and no further utterances will be produced.
var ErrEndOfStream = errors.New("vad: end of stream")

// Detector is the per-instance, single-thread-owned VAD state machine
// (spec's "VAD State"). Not safe for concurrent use; the orchestrator never
// calls Calibrate or Next concurrently.
type Detector struct {
	source     FrameReader
	sampleRate int
	frameMs    int
	cfg        config.VADConfig

	floorRMS float64
	envRMS   float64

	onRecording func(bool)

	preRoll      [][]int16
	preRollCap   int
	inSpeech     bool
	aboveCount   int
	belowCount   int
	hangover     int
	current      [][]int16

	attackNeeded  int
	releaseNeeded int
	hangoverFrame int
	maxFrames     int

	frameIdx        int
	lastHeartbeat   time.Time
	lastThresholdLg time.Time

	tty *ttyStatus
}

// New constructs a Detector over source. sampleRate and chunk determine
// frame_ms = 1000*chunk/sampleRate. onRecording, if non-nil, is invoked on
// every Idle<->Speech transition; panics inside it are recovered and
// swallowed, matching the original's exception-swallowing callback.
func New(source FrameReader, sampleRate, chunk int, cfg config.VADConfig, onRecording func(bool)) *Detector {
	frameMs := int(1000 * chunk / sampleRate)
	if frameMs < 1 {
		frameMs = 1
	}

	preRollCap := cfg.PreRollMs / frameMs
	if preRollCap < 0 {
		preRollCap = 0
	}

	d := &Detector{
		source:      source,
		sampleRate:  sampleRate,
		frameMs:     frameMs,
		cfg:         cfg,
		floorRMS:    cfg.FloorMin,
		onRecording: onRecording,
		preRollCap:  preRollCap,
		tty:         newTTYStatus(cfg.HeartbeatMs > 0),
	}
	d.attackNeeded = max1(ceilDiv(cfg.AttackMs, frameMs))
	d.releaseNeeded = max1(ceilDiv(cfg.ReleaseMs, frameMs))
	d.hangoverFrame = max0(cfg.HangoverMs / frameMs)
	d.maxFrames = int(cfg.MaxUtteranceSec * 1000 / float64(frameMs))
	return d
}

// Calibrate reads N = ceil(seconds*1000/frame_ms) frames, sets floor_rms to
// their 10th-percentile RMS (clamped), and initializes env_rms := floor_rms
// to avoid a cold-start false trigger.
func (d *Detector) Calibrate(seconds float64) error {
	n := max1(ceilDiv(int(seconds*1000), d.frameMs))
	rmsValues := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		frame, err := d.source.ReadFrame()
		if err != nil {
			return mapEndOfStream(err)
		}
		rmsValues = append(rmsValues, rmsInt16(frame.Data))
	}

	base := percentile(rmsValues, 10)
	d.floorRMS = clampFloor(base, d.cfg.FloorMin, d.cfg.FloorMax)
	d.envRMS = d.floorRMS

	if d.cfg.LogTransitions {
		p10 := percentile(rmsValues, 10)
		p90 := percentile(rmsValues, 90)
		slog.Info("vad calibrated", "floor_rms", d.floorRMS, "p10", p10, "p90", p90, "threshold", d.threshold())
	}
	return nil
}

// Next reads frames and drives the state machine until an utterance passes
// the minimum-duration gate, or the source reaches end-of-stream, in which
// case ErrEndOfStream is returned and no partial utterance is emitted
// regardless of the current state (spec's cancellation guarantee).
func (d *Detector) Next() (Utterance, error) {
	for {
		frame, err := d.source.ReadFrame()
		if err != nil {
			return Utterance{}, mapEndOfStream(err)
		}
		d.frameIdx++
		d.pushPreRoll(frame.Data)

		rInst := rmsInt16(frame.Data)
		prevThr := d.threshold()
		d.envRMS = ema(rInst, d.envRMS, d.cfg.AlphaEnv)

		thr := d.threshold()
		isAbove := rInst >= thr
		if !d.cfg.UseInstantRMS {
			isAbove = d.envRMS >= thr
		}

		if !d.inSpeech && rInst < d.cfg.FloorAdaptMargin*thr {
			d.floorRMS = clampFloor(ema(rInst, d.floorRMS, d.cfg.AlphaFloor), d.cfg.FloorMin, d.cfg.FloorMax)
			d.maybeLogFloorChange(d.threshold(), prevThr)
		}

		d.maybeLogStats(rInst, thr, isAbove)
		d.maybeHeartbeat(rInst, thr)

		if utt, ok := d.transition(frame.Data, isAbove, thr); ok {
			return utt, nil
		}
	}
}

// transition applies exactly one state-machine step per spec §4.2's table
// and returns a finalized utterance when one clears the minimum-duration
// gate; otherwise it returns (zero, false) and the caller reads another frame.
func (d *Detector) transition(frameData []int16, isAbove bool, thr float64) (Utterance, bool) {
	if !d.inSpeech {
		if isAbove {
			d.aboveCount++
		} else {
			d.aboveCount = 0
		}
		if d.aboveCount >= d.attackNeeded {
			d.inSpeech = true
			d.notifyRecording(true)
			d.hangover = 0
			d.current = append(append([][]int16{}, d.preRoll...), frameData)
			d.belowCount = 0
			if d.cfg.LogTransitions {
				d.tty.clear()
				slog.Info("vad recording start", "r_inst", round1(rmsInt16(frameData)), "threshold", round1(thr),
					"attack_frames", d.attackNeeded, "pre_roll_frames", len(d.preRoll))
			}
		}
		return Utterance{}, false
	}

	d.current = append(d.current, frameData)
	if isAbove {
		d.belowCount = 0
		d.hangover = d.hangoverFrame
	} else {
		d.belowCount++
		if d.hangover > 0 {
			d.hangover--
			d.belowCount = 0
		}
	}

	stopReason := ""
	if d.belowCount >= d.releaseNeeded {
		stopReason = "release"
	} else if len(d.current) >= d.maxFrames {
		stopReason = "max_len"
	}
	if stopReason == "" {
		return Utterance{}, false
	}

	utt, emit := d.finalize(stopReason, thr)
	d.inSpeech = false
	d.aboveCount = 0
	d.belowCount = 0
	d.hangover = 0
	d.current = nil
	return utt, emit
}

func (d *Detector) finalize(stopReason string, thr float64) (Utterance, bool) {
	pcm := concat(d.current)
	uttMs := len(d.current) * d.frameMs

	if d.cfg.LogTransitions {
		avgRMS, peak := frameStats(d.current, pcm)
		d.tty.clear()
		slog.Info("vad recording end", "reason", stopReason, "duration_ms", uttMs, "frames", len(d.current),
			"avg_rms", round1(avgRMS), "peak", peak, "threshold", round1(thr))
	}

	d.notifyRecording(false)

	if uttMs < d.cfg.MinUtteranceMs {
		if d.cfg.LogTransitions {
			slog.Info("vad dropped short utterance", "duration_ms", uttMs, "min_ms", d.cfg.MinUtteranceMs)
		}
		return Utterance{}, false
	}
	return Utterance{PCM: pcm, SampleRate: d.sampleRate, DurationMs: uttMs}, true
}

func (d *Detector) threshold() float64 {
	return math.Max(d.cfg.ThresholdAbs, d.floorRMS*d.cfg.ThresholdMult)
}

func (d *Detector) pushPreRoll(frame []int16) {
	if d.preRollCap <= 0 {
		return
	}
	cp := make([]int16, len(frame))
	copy(cp, frame)
	d.preRoll = append(d.preRoll, cp)
	if len(d.preRoll) > d.preRollCap {
		d.preRoll = d.preRoll[len(d.preRoll)-d.preRollCap:]
	}
}

func (d *Detector) notifyRecording(flag bool) {
	if d.onRecording == nil {
		return
	}
	defer func() { _ = recover() }()
	d.onRecording(flag)
}

func (d *Detector) maybeLogFloorChange(thr, prevThr float64) {
	if d.cfg.LogThresholdMs <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(d.lastThresholdLg) < time.Duration(d.cfg.LogThresholdMs)*time.Millisecond {
		return
	}
	if math.Abs(thr-prevThr) < 1.0 {
		return
	}
	slog.Info("vad floor idle update", "floor_rms", round1(d.floorRMS), "env_rms", round1(d.envRMS), "threshold", round1(thr))
	d.lastThresholdLg = now
}

func (d *Detector) maybeLogStats(rInst, thr float64, isAbove bool) {
	n := d.cfg.LogStatsEveryNFrame
	if n <= 0 || d.frameIdx%n != 0 {
		return
	}
	slog.Debug("vad frame stats", "frame", d.frameIdx, "r_inst", round1(rInst), "env_rms", round1(d.envRMS),
		"floor_rms", round1(d.floorRMS), "threshold", round1(thr), "above", isAbove)
}

func (d *Detector) maybeHeartbeat(rInst, thr float64) {
	if d.inSpeech || d.cfg.HeartbeatMs <= 0 {
		return
	}
	now := time.Now()
	if now.Sub(d.lastHeartbeat) < time.Duration(d.cfg.HeartbeatMs)*time.Millisecond {
		return
	}
	d.tty.update("idle | r=" + ftoa(rInst) + " env=" + ftoa(d.envRMS) + " floor=" + ftoa(d.floorRMS) + " thr=" + ftoa(thr))
	d.lastHeartbeat = now
}

func mapEndOfStream(err error) error {
	if applerrors.IsCode(err, applerrors.Cancelled) {
		return ErrEndOfStream
	}
	return err
}

// ttyStatus mirrors the original's TTYStatus: a throttled heartbeat line
// written to stderr, gated on isatty and a config flag. Never affects the
// state machine.
type ttyStatus struct {
	enabled bool
	last    string
}

func newTTYStatus(wantEnabled bool) *ttyStatus {
	enabled := wantEnabled && isTerminal(os.Stderr)
	return &ttyStatus{enabled: enabled}
}

func (t *ttyStatus) update(s string) {
	if !t.enabled || s == t.last {
		return
	}
	os.Stderr.WriteString("\r" + s + "\x1b[K")
	t.last = s
}

func (t *ttyStatus) clear() {
	if !t.enabled {
		return
	}
	os.Stderr.WriteString("\r\x1b[K")
	t.last = ""
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
