// Package wavio writes and reads canonical 16-bit mono PCM WAV files
// (spec §4.3). No WAV library exists anywhere in the reference corpus, so
// this is hand-rolled on encoding/binary and math, matching the original
// Python's wave-module semantics exactly.
package wavio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"

	applerrors "github.com/jarvin-ai/listener/internal/errors"
)

// WriteInt16Mono writes pcm (little-endian int16 samples) as a canonical
// RIFF/WAVE mono 16-bit file at sampleRate. If normalizeDBFS is non-nil, the
// buffer is peak-normalized to that target before writing. Parent
// directories are created if absent.
func WriteInt16Mono(path string, pcm []int16, sampleRate int, normalizeDBFS *float64) error {
	y := pcm
	if normalizeDBFS != nil {
		y = peakNormalizeInt16(pcm, *normalizeDBFS)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return applerrors.Wrap(err, applerrors.Internal, "create wav parent directory")
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return applerrors.Wrap(err, applerrors.Internal, "create wav file")
	}
	defer f.Close()

	return writeHeaderAndData(f, y, sampleRate)
}

func peakNormalizeInt16(x []int16, targetDBFS float64) []int16 {
	if len(x) == 0 {
		return x
	}
	var peak int32
	for _, v := range x {
		av := int32(v)
		if av < 0 {
			av = -av
		}
		if av > peak {
			peak = av
		}
	}
	if peak == 0 {
		return x
	}
	targetLinear := 32767.0 * math.Pow(10.0, targetDBFS/20.0)
	gain := targetLinear / float64(peak)

	out := make([]int16, len(x))
	for i, v := range x {
		scaled := float64(v) * gain
		if scaled > 32767.0 {
			scaled = 32767.0
		} else if scaled < -32768.0 {
			scaled = -32768.0
		}
		out[i] = int16(scaled)
	}
	return out
}

func writeHeaderAndData(w *os.File, pcm []int16, sampleRate int) error {
	dataBytes := len(pcm) * 2
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	byteRate := sampleRate * numChannels * bitsPerSample / 8
	blockAlign := numChannels * bitsPerSample / 8

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataBytes))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(dataBytes))
	for _, s := range pcm {
		binary.Write(&buf, binary.LittleEndian, uint16(s))
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// ReadAsFloat32Mono16k loads a mono-or-stereo 16-bit PCM WAV, averages
// stereo channels, resamples to 16kHz if needed, and returns samples in
// [-1, 1]. Fails with UnsupportedFormat if the file is not 16-bit PCM.
func ReadAsFloat32Mono16k(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, applerrors.Wrap(err, applerrors.Internal, "read wav file")
	}

	nch, sampwidth, sampleRate, pcmBytes, err := parseWAV(data)
	if err != nil {
		return nil, err
	}
	if sampwidth != 2 {
		return nil, applerrors.Newf(applerrors.UnsupportedFormat, "expected 16-bit PCM, got sampwidth=%d", sampwidth)
	}

	n := len(pcmBytes) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
		samples[i] = float32(v) / 32768.0
	}

	if nch == 2 {
		mono := make([]float32, len(samples)/2)
		for i := range mono {
			mono[i] = (samples[2*i] + samples[2*i+1]) / 2
		}
		samples = mono
	}

	if sampleRate != 16000 {
		samples = LinearResample(samples, sampleRate, 16000)
	}
	return samples, nil
}

// LinearResample performs dependency-free linear-interpolation resampling.
// Identity when srcHz == dstHz.
func LinearResample(audio []float32, srcHz, dstHz int) []float32 {
	if srcHz == dstHz || len(audio) == 0 {
		return audio
	}
	ratio := float64(dstHz) / float64(srcHz)
	n := int(math.Round(float64(len(audio)) * ratio))
	if n <= 0 {
		return []float32{}
	}

	out := make([]float32, n)
	srcLen := len(audio)
	for i := 0; i < n; i++ {
		// Normalized position in [0,1), matching np.linspace(..., endpoint=False)
		xNew := float64(i) / float64(n)
		pos := xNew * float64(srcLen)
		idx := int(math.Floor(pos))
		frac := pos - float64(idx)
		if idx >= srcLen-1 {
			out[i] = audio[srcLen-1]
			continue
		}
		out[i] = audio[idx] + float32(frac)*(audio[idx+1]-audio[idx])
	}
	return out
}

// parseWAV walks RIFF chunks to find "fmt " and "data", returning channel
// count, bits-per-sample/8 (sampwidth), sample rate, and raw PCM bytes.
func parseWAV(data []byte) (numChannels, sampwidth, sampleRate int, pcm []byte, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return 0, 0, 0, nil, applerrors.New(applerrors.UnsupportedFormat, "not a RIFF/WAVE file")
	}

	offset := 12
	var foundFmt, foundData bool
	for offset+8 <= len(data) {
		id := string(data[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return 0, 0, 0, nil, applerrors.New(applerrors.UnsupportedFormat, "fmt chunk too short")
			}
			numChannels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample := int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			sampwidth = bitsPerSample / 8
			foundFmt = true
		case "data":
			pcm = data[body : body+size]
			foundData = true
		}

		offset = body + size
		if size%2 == 1 {
			offset++ // chunks are word-aligned
		}
	}

	if !foundFmt || !foundData {
		return 0, 0, 0, nil, applerrors.New(applerrors.UnsupportedFormat, "missing fmt or data chunk")
	}
	return numChannels, sampwidth, sampleRate, pcm, nil
}
