package speech

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

type upload struct {
	model    string
	language string
	filename string
	audio    string
	auth     string
}

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("RIFF-fake-audio"), 0o600); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestWhisperUploadsAudio(t *testing.T) {
	t.Setenv("SIDEKICK_TEST_WHISPER_KEY", "wk")

	uploads := make(chan upload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		raw, _ := io.ReadAll(file)
		uploads <- upload{
			model:    r.FormValue("model"),
			language: r.FormValue("language"),
			filename: header.Filename,
			audio:    string(raw),
			auth:     r.Header.Get("Authorization"),
		}
		_, _ = w.Write([]byte(`{"text":"  open calculator \n"}`))
	}))
	defer server.Close()

	recognizer := NewWhisper(domain.VoiceSettings{
		Endpoint:   server.URL,
		AuthEnvVar: "SIDEKICK_TEST_WHISPER_KEY",
		Language:   "en",
	}, server.Client())

	text, err := recognizer.Recognize(context.Background(), ports.CaptureRequest{AudioPath: writeAudio(t)})
	if err != nil {
		t.Fatalf("Recognize() error = %v", err)
	}
	if text != "open calculator" {
		t.Fatalf("Recognize() = %q", text)
	}

	got := <-uploads
	want := upload{model: DefaultModel, language: "en", filename: "clip.wav", audio: "RIFF-fake-audio", auth: "Bearer wk"}
	if got != want {
		t.Fatalf("upload = %+v, want %+v", got, want)
	}
}

func TestWhisperReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unsupported format"}}`))
	}))
	defer server.Close()

	_, err := NewWhisper(domain.VoiceSettings{Endpoint: server.URL}, server.Client()).
		Recognize(context.Background(), ports.CaptureRequest{AudioPath: writeAudio(t)})
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Fatalf("Recognize() error = %v", err)
	}
}

func TestWhisperRejectsMissingAudio(t *testing.T) {
	recognizer := NewWhisper(domain.VoiceSettings{}, nil)
	if _, err := recognizer.Recognize(context.Background(), ports.CaptureRequest{}); !errors.Is(err, ErrNoAudio) {
		t.Fatalf("Recognize() error = %v, want ErrNoAudio", err)
	}
	if _, err := recognizer.Recognize(context.Background(), ports.CaptureRequest{AudioPath: "/does/not/exist.wav"}); err == nil {
		t.Fatal("Recognize() with missing file should fail")
	}
}
