package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicerelay/internal/config"
)

func newHealthcheckCmd() *cobra.Command {
	var (
		target  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check the local /healthz endpoint and exit non-zero on failure",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if target == "" {
				target = healthURL(config.BindAddrFromEnv())
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			body, err := fetchHealth(ctx, target)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "url", "", "health URL (default derived from APP_BIND_ADDR / PORT)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
	return cmd
}

// healthURL maps a listen address to a loopback URL. Wildcard hosts are
// replaced because they are not dialable.
func healthURL(bindAddr string) string {
	host, port := "127.0.0.1", "3000"
	if i := strings.LastIndex(bindAddr, ":"); i >= 0 {
		if h := bindAddr[:i]; h != "" && h != "0.0.0.0" && h != "[::]" {
			host = h
		}
		if p := bindAddr[i+1:]; p != "" {
			port = p
		}
	}
	return "http://" + host + ":" + port + "/healthz"
}

func fetchHealth(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("healthcheck %s: %w", target, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("healthcheck %s: HTTP %d: %s", target, res.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}
