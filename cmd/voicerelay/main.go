// Command voicerelay runs the browser voice relay and its operator tools.
//
// Usage:
//
//	voicerelay serve                 run the relay server
//	voicerelay healthcheck           check /healthz (container health checks)
//	voicerelay replay --wav a.wav    stream recorded audio through a relay
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voicerelay",
		Short: "Browser voice relay for Deepgram, OpenAI and ElevenLabs",
		Long: `voicerelay bridges a browser websocket to streaming speech-to-text,
chat completion and text-to-speech backends.

Configuration is read from the environment, optionally seeded from a .env
file in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newHealthcheckCmd(), newReplayCmd())
	return root
}
