// Package speech turns captured audio into text through a Whisper-compatible
// transcription endpoint (OpenAI, Groq, or a local whisper server).
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/doeshing/sidekick/internal/domain"
	"github.com/doeshing/sidekick/internal/ports"
)

const (
	// DefaultEndpoint is OpenAI's transcription API.
	DefaultEndpoint = "https://api.openai.com/v1/audio/transcriptions"
	// DefaultModel is the model sent when the config names none.
	DefaultModel = "whisper-1"

	maxTranscriptResponse = 4 << 20
)

// ErrNoAudio is returned when a capture request names no audio file.
var ErrNoAudio = errors.New("no audio to transcribe")

// Whisper is a ports.SpeechRecognizer backed by a multipart upload.
type Whisper struct {
	endpoint   string
	model      string
	language   string
	authEnvVar string
	httpClient *http.Client
}

// NewWhisper builds a recognizer from the voice settings.
func NewWhisper(settings domain.VoiceSettings, client *http.Client) *Whisper {
	if client == nil {
		client = &http.Client{}
	}
	endpoint := settings.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := settings.Model
	if model == "" {
		model = DefaultModel
	}
	return &Whisper{
		endpoint:   endpoint,
		model:      model,
		language:   settings.Language,
		authEnvVar: settings.AuthEnvVar,
		httpClient: client,
	}
}

// Recognize implements ports.SpeechRecognizer.
func (w *Whisper) Recognize(ctx context.Context, req ports.CaptureRequest) (string, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return "", ErrNoAudio
	}
	audio, err := os.Open(req.AudioPath)
	if err != nil {
		return "", fmt.Errorf("failed to open audio file: %w", err)
	}
	defer audio.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, audio); err != nil {
		return "", fmt.Errorf("failed to copy audio data: %w", err)
	}

	fields := [][2]string{
		{"model", w.model},
		{"language", firstNonEmpty(req.Language, w.language)},
		{"prompt", req.Prompt},
		{"response_format", "json"},
	}
	for _, field := range fields {
		if field[1] == "" {
			continue
		}
		if err := writer.WriteField(field[0], field[1]); err != nil {
			return "", fmt.Errorf("failed to write %s field: %w", field[0], err)
		}
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	if w.authEnvVar != "" {
		if key := os.Getenv(w.authEnvVar); key != "" {
			httpReq.Header.Set("Authorization", "Bearer "+key)
		}
	}

	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxTranscriptResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errorResp); err == nil && errorResp.Error.Message != "" {
			return "", fmt.Errorf("whisper API error: %s", errorResp.Error.Message)
		}
		return "", fmt.Errorf("whisper API error: %d", resp.StatusCode)
	}

	var transcript struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(respBody, &transcript); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return strings.TrimSpace(transcript.Text), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ ports.SpeechRecognizer = (*Whisper)(nil)
