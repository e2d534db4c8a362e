package whisper_test

import (
	"errors"
	"os"
	"testing"

	"github.com/ASLP-AI/xdecoder/pkg/engine"
	"github.com/ASLP-AI/xdecoder/pkg/engine/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	if !whisper.Available() {
		t.Skip("built without whispercpp tag; skipping native whisper test")
	}
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNew_EmptyPath_ReturnsConfigError(t *testing.T) {
	t.Parallel()
	_, err := whisper.New("")
	if !errors.Is(err, engine.ErrConfig) {
		t.Fatalf("New(\"\") error = %v, want ErrConfig", err)
	}
}

func TestNew_InvalidPath_ReturnsConfigError(t *testing.T) {
	t.Parallel()
	_, err := whisper.New("/nonexistent/path/to/model.bin")
	if !errors.Is(err, engine.ErrConfig) {
		t.Fatalf("New() error = %v, want ErrConfig", err)
	}
}

func TestNew_Unavailable(t *testing.T) {
	t.Parallel()
	if whisper.Available() {
		t.Skip("native backend compiled in")
	}
	_, err := whisper.New("model.bin")
	if !errors.Is(err, whisper.ErrUnavailable) {
		t.Errorf("New() error = %v, want ErrUnavailable", err)
	}
}

func TestDecoder_SilenceProducesNoFinal(t *testing.T) {
	modelPath := testModelPath(t)
	b, err := whisper.New(modelPath, whisper.WithLanguage("en"), whisper.WithThreads(2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	d, err := b.NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	defer d.Close()

	if err := d.Feed(make([]int16, 16000)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if err := d.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if r := d.Poll(); r.Status != engine.StatusNone {
		t.Errorf("Poll() = %v, want none for silence", r.Status)
	}
}
