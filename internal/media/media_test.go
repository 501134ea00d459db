package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeRunner scripts subprocess outputs keyed by binary name.
type fakeRunner struct {
	probeOut  string
	probeErr  error
	ffmpegErr error
	calls     [][]string
}

func (f *fakeRunner) run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if strings.Contains(name, "ffprobe") {
		if f.probeErr != nil {
			return nil, f.probeErr
		}
		return []byte(f.probeOut), nil
	}
	if f.ffmpegErr != nil {
		return nil, f.ffmpegErr
	}
	return nil, nil
}

func newTestPipeline(r runner) *Pipeline {
	return NewPipeline(withRunner(r))
}

func TestEncodingFor_Tiers(t *testing.T) {
	tests := []struct {
		durationSec float64
		bitrate     string
		tag         string
	}{
		{5, "24k", "ultra-light"},
		{10, "24k", "ultra-light"},
		{10.5, "48k", "standard"},
		{600, "48k", "standard"},
		{601, "32k", "compressed"},
		{7200, "32k", "compressed"},
	}
	for _, tt := range tests {
		enc := encodingFor(tt.durationSec)
		if enc.bitrate != tt.bitrate || enc.tag != tt.tag {
			t.Errorf("encodingFor(%v) = %s/%s, want %s/%s",
				tt.durationSec, enc.bitrate, enc.tag, tt.bitrate, tt.tag)
		}
		if enc.sampleRate != 16000 {
			t.Errorf("encodingFor(%v) sample rate = %d, want 16000", tt.durationSec, enc.sampleRate)
		}
	}
}

func TestDuration(t *testing.T) {
	r := &fakeRunner{probeOut: `{"format":{"duration":"123.45"}}`}
	p := newTestPipeline(r)
	sec, err := p.Duration(context.Background(), "a.ogg")
	if err != nil {
		t.Fatalf("Duration: %v", err)
	}
	if sec != 123.45 {
		t.Errorf("sec = %v", sec)
	}
}

func TestDuration_ProbeFailure(t *testing.T) {
	r := &fakeRunner{probeErr: errors.New("exit status 1")}
	p := newTestPipeline(r)
	if _, err := p.Duration(context.Background(), "a.ogg"); err == nil {
		t.Fatal("want error on probe failure")
	}
}

func TestPrepare_UnsupportedCodec(t *testing.T) {
	r := &fakeRunner{probeOut: `{"streams":[{"codec_type":"audio","codec_name":"amr_nb"}],"format":{"duration":"30"}}`}
	p := newTestPipeline(r)
	_, err := p.Prepare(context.Background(), "a.amr", 30, NewTempSet())
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}

func TestPrepare_NoAudioStream(t *testing.T) {
	r := &fakeRunner{probeOut: `{"streams":[{"codec_type":"video","codec_name":"h264"}],"format":{"duration":"30"}}`}
	p := newTestPipeline(r)
	_, err := p.Prepare(context.Background(), "a.mp4", 30, NewTempSet())
	if !errors.Is(err, ErrNoAudioStream) {
		t.Fatalf("err = %v, want ErrNoAudioStream", err)
	}
}

func TestPrepare_RegistersOutput(t *testing.T) {
	r := &fakeRunner{probeOut: `{"streams":[{"codec_type":"audio","codec_name":"opus"}],"format":{"duration":"30"}}`}
	p := newTestPipeline(r)
	temps := NewTempSet()
	out, err := p.Prepare(context.Background(), "/tmp/a.ogg", 30, temps)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if out != "/tmp/a-asr.mp3" {
		t.Errorf("out = %q", out)
	}
	if got := temps.Paths(); len(got) != 1 || got[0] != out {
		t.Errorf("temps = %v", got)
	}

	// The ffmpeg invocation must force mono 16 kHz with the standard tier.
	last := r.calls[len(r.calls)-1]
	joined := strings.Join(last, " ")
	for _, want := range []string{"-vn", "-ac 1", "-ar 16000", "-b:a 48k"} {
		if !strings.Contains(joined, want) {
			t.Errorf("ffmpeg args %q missing %q", joined, want)
		}
	}
}

func TestPrepare_ProbeFailureUsesHint(t *testing.T) {
	// Probe fails; the declared duration hint (700 s) selects the
	// compressed tier and the transcode still proceeds.
	r := &fakeRunner{probeErr: errors.New("boom")}
	p := newTestPipeline(r)
	out, err := p.Prepare(context.Background(), "/tmp/a.ogg", 700, NewTempSet())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if out == "" {
		t.Fatal("empty output path")
	}
	joined := strings.Join(r.calls[len(r.calls)-1], " ")
	if !strings.Contains(joined, "-b:a 32k") {
		t.Errorf("ffmpeg args %q: want compressed tier", joined)
	}
}

func TestSplit_ShortReturnsInput(t *testing.T) {
	p := newTestPipeline(&fakeRunner{})
	got := p.Split(context.Background(), "a.mp3", 150, 150, NewTempSet())
	if len(got) != 1 || got[0] != "a.mp3" {
		t.Errorf("got = %v", got)
	}
}

func TestSplit_ChunkCount(t *testing.T) {
	r := &fakeRunner{}
	p := newTestPipeline(r)
	temps := NewTempSet()
	got := p.Split(context.Background(), "/tmp/a.mp3", 151, 150, temps)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	if len(temps.Paths()) != 2 {
		t.Errorf("temps = %v", temps.Paths())
	}
}

func TestSplit_SubprocessFailureFallsBack(t *testing.T) {
	r := &fakeRunner{ffmpegErr: errors.New("exit status 1")}
	p := newTestPipeline(r)
	got := p.Split(context.Background(), "a.mp3", 500, 150, NewTempSet())
	if len(got) != 1 || got[0] != "a.mp3" {
		t.Errorf("got = %v, want original path", got)
	}
}

func TestTempSet_RemoveAll(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mp3")
	b := filepath.Join(dir, "b.mp3")
	for _, f := range []string{a, b} {
		if err := os.WriteFile(f, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	temps := NewTempSet()
	temps.Add(a, b, filepath.Join(dir, "missing.mp3"))
	temps.RemoveAll()

	for _, f := range []string{a, b} {
		if _, err := os.Stat(f); !os.IsNotExist(err) {
			t.Errorf("%s still exists", f)
		}
	}
	if len(temps.Paths()) != 0 {
		t.Error("registry not emptied")
	}

	// Second call is a no-op.
	temps.RemoveAll()
}
