package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

const serviceElevenLabs = "elevenlabs"

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	VoiceID      string
	ModelID      string
	OutputFormat string
	Settings     VoiceSettings
	Dialer       *websocket.Dialer
}

// ElevenLabsSynthesizer uses the stream-input websocket and concatenates the
// audio chunks of one utterance.
type ElevenLabsSynthesizer struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsSynthesizer(cfg ElevenLabsConfig) *ElevenLabsSynthesizer {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.ModelID) == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &ElevenLabsSynthesizer{cfg: cfg}
}

func (e *ElevenLabsSynthesizer) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(e.cfg.WSBaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(e.cfg.VoiceID) + "/stream-input")
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model_id", e.cfg.ModelID)
	q.Set("output_format", e.cfg.OutputFormat)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *ElevenLabsSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(e.cfg.VoiceID) == "" {
		return nil, reliability.NewBackendError(serviceElevenLabs, http.StatusBadRequest, errors.New("voice_id is required"))
	}
	target, err := e.streamURL()
	if err != nil {
		return nil, reliability.NewBackendError(serviceElevenLabs, 0, fmt.Errorf("tts url: %w", err))
	}

	headers := http.Header{}
	headers.Set("xi-api-key", e.cfg.APIKey)

	conn, resp, err := e.cfg.Dialer.DialContext(ctx, target, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, reliability.NewBackendError(serviceElevenLabs, status, fmt.Errorf("dial tts websocket: %w", err))
	}
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	// Prime with voice settings, send the whole text, then an empty text to
	// flush and end the stream.
	messages := []any{
		map[string]any{"text": " ", "voice_settings": e.cfg.Settings},
		map[string]any{"text": text + " ", "try_trigger_generation": true},
		map[string]any{"text": ""},
	}
	for _, msg := range messages {
		if err := conn.WriteJSON(msg); err != nil {
			return nil, e.wrapStreamErr(ctx, fmt.Errorf("write tts message: %w", err))
		}
	}

	var out bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && out.Len() > 0 {
				return out.Bytes(), nil
			}
			return nil, e.wrapStreamErr(ctx, fmt.Errorf("read tts stream: %w", err))
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if errMsg := asString(raw["error"]); errMsg != "" {
			code := asString(raw["message_type"])
			return nil, reliability.NewBackendError(serviceElevenLabs, statusForTTSCode(code), fmt.Errorf("tts error %s: %s", code, errMsg))
		}
		if audio := asString(raw["audio"]); audio != "" {
			chunk, err := base64.StdEncoding.DecodeString(audio)
			if err != nil {
				return nil, reliability.NewBackendError(serviceElevenLabs, 0, fmt.Errorf("decode audio chunk: %w", err))
			}
			_, _ = out.Write(chunk)
		}
		if asBool(raw["isFinal"]) || asBool(raw["is_final"]) {
			return out.Bytes(), nil
		}
	}
}

func (e *ElevenLabsSynthesizer) wrapStreamErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return reliability.NewBackendError(serviceElevenLabs, http.StatusGatewayTimeout, fmt.Errorf("%w: %w", ctxErr, err))
	}
	return reliability.NewBackendError(serviceElevenLabs, 0, err)
}

// statusForTTSCode maps stream-input error message types onto HTTP-equivalent
// statuses so failures share one classification.
func statusForTTSCode(code string) int {
	code = strings.ToLower(code)
	switch {
	case strings.Contains(code, "auth"), strings.Contains(code, "unauthorized"):
		return http.StatusUnauthorized
	case strings.Contains(code, "quota"), strings.Contains(code, "rate_limit"):
		return http.StatusTooManyRequests
	case strings.Contains(code, "timeout"):
		return http.StatusGatewayTimeout
	case strings.Contains(code, "invalid"):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
