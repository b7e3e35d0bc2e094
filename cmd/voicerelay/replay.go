package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/protocol"
)

type replayOptions struct {
	url         string
	wavPath     string
	silence     time.Duration
	turns       int
	chunk       time.Duration
	realtime    float64
	startDelay  time.Duration
	turnTimeout time.Duration
	audioOut    string
	verbose     bool
}

type turnResult struct {
	Reply        string
	ReplyLatency time.Duration
	AudioLatency time.Duration
	AudioBytes   int
}

func newReplayCmd() *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Stream recorded audio through a running relay and report turn latency",
		Long: `Replay connects to a relay websocket, streams a PCM16 WAV file (or
silence) as binary audio frames at the requested pace, and waits for the
reply text and synthesized audio of each turn.

Examples:
  voicerelay replay --url ws://127.0.0.1:3000/ --wav hello.wav --turns 5
  voicerelay replay --silence 2s --realtime 4`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			clip, err := opts.loadClip()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
			defer cancel()
			results, err := runReplay(ctx, opts, clip, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), results)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://127.0.0.1:3000/", "relay websocket URL")
	f.StringVar(&opts.wavPath, "wav", "", "PCM16 WAV file to stream (default: silence)")
	f.DurationVar(&opts.silence, "silence", time.Second, "length of generated silence when --wav is not set")
	f.IntVar(&opts.turns, "turns", 3, "number of turns to replay")
	f.DurationVar(&opts.chunk, "chunk", 45*time.Millisecond, "audio chunk duration")
	f.Float64Var(&opts.realtime, "realtime", 1.0, "chunk pacing multiplier (1.0=realtime, 2.0=2x)")
	f.DurationVar(&opts.startDelay, "start-delay", 900*time.Millisecond, "delay after connecting so the speech stream can open")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 15*time.Second, "timeout waiting for each turn's audio")
	f.StringVar(&opts.audioOut, "audio-out", "", "write the last synthesized audio to this file")
	f.BoolVar(&opts.verbose, "verbose", false, "print relay metadata frames")
	return cmd
}

func (o *replayOptions) validate() error {
	u, err := url.Parse(strings.TrimSpace(o.url))
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	o.url = u.String()
	if o.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if o.chunk < 10*time.Millisecond || o.chunk > 2*time.Second {
		return fmt.Errorf("chunk must be in [10ms,2s]")
	}
	if o.realtime <= 0 {
		return fmt.Errorf("realtime must be > 0")
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	return nil
}

func (o replayOptions) loadClip() (audio.Clip, error) {
	if o.wavPath == "" {
		return audio.Silence(o.silence, 16000), nil
	}
	data, err := os.ReadFile(o.wavPath)
	if err != nil {
		return audio.Clip{}, err
	}
	clip, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("decode %s: %w", o.wavPath, err)
	}
	return clip, nil
}

type inboundFrame struct {
	at     time.Time
	binary bool
	data   []byte
}

func runReplay(ctx context.Context, opts replayOptions, clip audio.Clip, out io.Writer) ([]turnResult, error) {
	chunks := clip.Chunks(opts.chunk)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("clip has no audio")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	frames := make(chan inboundFrame, 64)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readFrames(conn, frames, readErr, done)

	if err := sleepCtx(ctx, opts.startDelay); err != nil {
		return nil, err
	}

	var (
		results   []turnResult
		lastAudio []byte
	)
	for i := 0; i < opts.turns; i++ {
		drainFrames(frames)
		fmt.Fprintf(out, "replay: turn %d/%d chunks=%d duration=%s\n", i+1, opts.turns, len(chunks), clip.Duration())

		for _, chunk := range chunks {
			if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				return results, fmt.Errorf("turn %d send audio: %w", i+1, err)
			}
			pace := time.Duration(float64(len(chunk)/2) * float64(time.Second) / float64(clip.SampleRate) / opts.realtime)
			if err := sleepCtx(ctx, pace); err != nil {
				return results, err
			}
		}
		sentAt := time.Now()

		res, audioData, err := awaitTurn(ctx, frames, readErr, sentAt, opts)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		fmt.Fprintf(out, "replay: turn %d reply=%q reply_ms=%d audio_ms=%d audio_bytes=%d\n",
			i+1, res.Reply, res.ReplyLatency.Milliseconds(), res.AudioLatency.Milliseconds(), res.AudioBytes)
		results = append(results, res)
		lastAudio = audioData
	}

	if opts.audioOut != "" && len(lastAudio) > 0 {
		if err := os.WriteFile(opts.audioOut, lastAudio, 0o644); err != nil {
			return results, fmt.Errorf("write audio: %w", err)
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return results, nil
}

// awaitTurn waits for a reply text frame followed by its audio frame. Latency
// is measured from the last audio chunk sent.
func awaitTurn(ctx context.Context, frames <-chan inboundFrame, readErr <-chan error, sentAt time.Time, opts replayOptions) (turnResult, []byte, error) {
	timer := time.NewTimer(opts.turnTimeout)
	defer timer.Stop()

	var res turnResult
	for {
		select {
		case <-ctx.Done():
			return res, nil, ctx.Err()
		case <-timer.C:
			return res, nil, fmt.Errorf("timeout after %s", opts.turnTimeout)
		case err := <-readErr:
			return res, nil, fmt.Errorf("read: %w", err)
		case f := <-frames:
			if f.binary {
				if res.ReplyLatency == 0 {
					// Audio for a reply that arrived before this turn started.
					continue
				}
				res.AudioLatency = f.at.Sub(sentAt)
				res.AudioBytes = len(f.data)
				return res, f.data, nil
			}
			var reply string
			if err := json.Unmarshal(f.data, &reply); err == nil {
				res.Reply = reply
				res.ReplyLatency = f.at.Sub(sentAt)
				continue
			}
			var envErr protocol.ErrorEnvelope
			if err := json.Unmarshal(f.data, &envErr); err == nil && envErr.Error.Code != "" {
				return res, nil, fmt.Errorf("relay error %s from %s: %s", envErr.Error.Code, envErr.Error.Source, envErr.Error.Detail)
			}
			if opts.verbose {
				fmt.Fprintf(os.Stderr, "replay: frame %s\n", f.data)
			}
		}
	}
}

func readFrames(conn *websocket.Conn, frames chan<- inboundFrame, readErr chan<- error, done <-chan struct{}) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		select {
		case frames <- inboundFrame{at: time.Now(), binary: msgType == websocket.BinaryMessage, data: data}:
		case <-done:
			return
		}
	}
}

func drainFrames(frames <-chan inboundFrame) {
	for {
		select {
		case <-frames:
		default:
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func printSummary(out io.Writer, results []turnResult) {
	if len(results) == 0 {
		return
	}
	reply := make([]time.Duration, 0, len(results))
	audioLat := make([]time.Duration, 0, len(results))
	for _, r := range results {
		reply = append(reply, r.ReplyLatency)
		audioLat = append(audioLat, r.AudioLatency)
	}
	fmt.Fprintf(out, "replay: %d turns reply_p50_ms=%d audio_p50_ms=%d audio_max_ms=%d\n",
		len(results), percentile(reply, 0.5).Milliseconds(), percentile(audioLat, 0.5).Milliseconds(), percentile(audioLat, 1).Milliseconds())
}

func percentile(values []time.Duration, q float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
