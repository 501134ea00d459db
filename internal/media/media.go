// Package media transforms inbound artifacts into the single canonical form
// the speech providers accept: mono MP3 at 16 kHz. It shells out to ffmpeg
// and ffprobe; every produced file is registered in a [TempSet] so the worker
// can release it on any exit path.
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Contract error kinds surfaced to the orchestrator.
var (
	// ErrUnsupportedFormat marks containers known to be incompatible with
	// the ASR providers (narrow cellular codecs).
	ErrUnsupportedFormat = errors.New("media: unsupported format")

	// ErrNoAudioStream marks a video artifact without any audio track.
	ErrNoAudioStream = errors.New("media: no audio stream")

	// ErrTranscodeTimeout marks a transcode that exceeded the hard
	// wall-clock timeout.
	ErrTranscodeTimeout = errors.New("media: transcode timed out")
)

// codecs the ASR providers reject outright.
var unsupportedCodecs = map[string]bool{
	"amr_nb": true,
	"amr_wb": true,
	"gsm":    true,
	"gsm_ms": true,
}

// encodeParams is one row of the adaptive-bitrate table.
type encodeParams struct {
	bitrate    string
	sampleRate int
	tag        string
}

// encodingFor selects transcode parameters by duration tier. Sample rate is
// uniformly 16 kHz and channels are mono; only the bitrate adapts.
func encodingFor(durationSec float64) encodeParams {
	switch {
	case durationSec <= 10:
		return encodeParams{bitrate: "24k", sampleRate: 16000, tag: "ultra-light"}
	case durationSec <= 600:
		return encodeParams{bitrate: "48k", sampleRate: 16000, tag: "standard"}
	default:
		return encodeParams{bitrate: "32k", sampleRate: 16000, tag: "compressed"}
	}
}

// runner abstracts subprocess execution so tests can fake ffmpeg/ffprobe.
type runner interface {
	run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// execRunner runs real subprocesses.
type execRunner struct{}

func (execRunner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Pipeline converts, probes, and splits media files.
type Pipeline struct {
	ffmpeg           string
	ffprobe          string
	transcodeTimeout time.Duration
	run              runner
}

// Option is a functional option for Pipeline.
type Option func(*Pipeline)

// WithBinaries overrides the ffmpeg and ffprobe binary paths.
func WithBinaries(ffmpeg, ffprobe string) Option {
	return func(p *Pipeline) {
		p.ffmpeg = ffmpeg
		p.ffprobe = ffprobe
	}
}

// WithTranscodeTimeout overrides the hard transcode wall-clock timeout.
func WithTranscodeTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.transcodeTimeout = d }
}

// withRunner injects a fake subprocess runner. Test use only.
func withRunner(r runner) Option {
	return func(p *Pipeline) { p.run = r }
}

// NewPipeline creates a media Pipeline with default binary paths and a
// 5-minute transcode timeout.
func NewPipeline(opts ...Option) *Pipeline {
	p := &Pipeline{
		ffmpeg:           "ffmpeg",
		ffprobe:          "ffprobe",
		transcodeTimeout: 5 * time.Minute,
		run:              execRunner{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// probeInfo is the subset of ffprobe output the pipeline reads.
type probeInfo struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// probe runs ffprobe against path and decodes the stream/format report.
func (p *Pipeline) probe(ctx context.Context, path string) (*probeInfo, error) {
	out, err := p.run.run(ctx, p.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams", "-show_format",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("media: ffprobe %s: %w", path, err)
	}
	var info probeInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("media: decode ffprobe output: %w", err)
	}
	return &info, nil
}

// Duration probes the artifact's duration in seconds. Probe failure is
// non-fatal by contract: callers log a warning and continue with the
// declared duration.
func (p *Pipeline) Duration(ctx context.Context, path string) (float64, error) {
	info, err := p.probe(ctx, path)
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(info.Format.Duration, 64)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("media: probe %s: no usable duration %q", path, info.Format.Duration)
	}
	return sec, nil
}

// Prepare converts the artifact at path into mono 16 kHz MP3 and registers
// the produced file in temps. durationHint (seconds) selects the bitrate
// tier when probing fails; pass the declared duration.
func (p *Pipeline) Prepare(ctx context.Context, path string, durationHint float64, temps *TempSet) (string, error) {
	info, err := p.probe(ctx, path)
	if err == nil {
		var hasAudio, hasVideo bool
		for _, s := range info.Streams {
			switch s.CodecType {
			case "audio":
				hasAudio = true
				if unsupportedCodecs[s.CodecName] {
					return "", fmt.Errorf("%w: codec %s", ErrUnsupportedFormat, s.CodecName)
				}
			case "video":
				hasVideo = true
			}
		}
		if hasVideo && !hasAudio {
			return "", ErrNoAudioStream
		}
		if sec, perr := strconv.ParseFloat(info.Format.Duration, 64); perr == nil && sec > 0 {
			durationHint = sec
		}
	} else {
		slog.Warn("media: probe failed before transcode, using declared duration",
			"path", path, "declared_sec", durationHint, "err", err)
	}

	enc := encodingFor(durationHint)
	outPath := transcodedPath(path)

	tctx, cancel := context.WithTimeout(ctx, p.transcodeTimeout)
	defer cancel()

	// -vn drops any video track; the audio stream is extracted and
	// transcoded in one pass.
	_, err = p.run.run(tctx, p.ffmpeg, transcodeArgs(path, outPath, enc)...)
	if err != nil {
		if tctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: after %s", ErrTranscodeTimeout, p.transcodeTimeout)
		}
		return "", fmt.Errorf("media: transcode %s: %w", path, err)
	}

	temps.Add(outPath)
	slog.Debug("media: transcoded", "path", outPath, "tier", enc.tag, "bitrate", enc.bitrate)
	return outPath, nil
}

// Split slices the audio at path into ⌈duration/chunkSeconds⌉ equal-interval
// chunks, registering each in temps. When duration fits in one chunk the
// input path is returned unchanged. Subprocess failure falls back to the
// single original path so downstream can still attempt a single-shot call.
func (p *Pipeline) Split(ctx context.Context, path string, durationSec, chunkSeconds float64, temps *TempSet) []string {
	if chunkSeconds <= 0 || durationSec <= chunkSeconds {
		return []string{path}
	}

	n := int(math.Ceil(durationSec / chunkSeconds))
	interval := durationSec / float64(n)

	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		outPath := chunkPath(path, i)
		start := float64(i) * interval
		_, err := p.run.run(ctx, p.ffmpeg, splitArgs(path, outPath, start, interval)...)
		if err != nil {
			slog.Warn("media: chunk split failed, falling back to single shot",
				"path", path, "chunk", i, "err", err)
			temps.Remove(paths...)
			return []string{path}
		}
		temps.Add(outPath)
		paths = append(paths, outPath)
	}
	return paths
}

// transcodeArgs builds the ffmpeg argument list for Prepare.
func transcodeArgs(in, out string, enc encodeParams) []string {
	return []string{
		"-y", "-i", in,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(enc.sampleRate),
		"-b:a", enc.bitrate,
		"-f", "mp3",
		out,
	}
}

// splitArgs builds the ffmpeg argument list for one chunk of Split.
func splitArgs(in, out string, startSec, lengthSec float64) []string {
	return []string{
		"-y",
		"-ss", formatSeconds(startSec),
		"-t", formatSeconds(lengthSec),
		"-i", in,
		"-c", "copy",
		"-f", "mp3",
		out,
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func transcodedPath(path string) string {
	return strings.TrimSuffix(path, extOf(path)) + "-asr.mp3"
}

func chunkPath(path string, i int) string {
	return strings.TrimSuffix(path, extOf(path)) + "-chunk" + strconv.Itoa(i) + ".mp3"
}

func extOf(path string) string {
	if i := strings.LastIndex(path, "."); i > strings.LastIndex(path, "/") {
		return path[i:]
	}
	return ""
}
