package main

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/booklore-runner/internal/config"
	"github.com/loykin/booklore-runner/pkg/client"
)

func loadConfig(global *GlobalFlags) (*config.Config, error) {
	return config.Load(global.ConfigPath)
}

// apiBaseURL prefers --api-url, then the control section of the config.
func apiBaseURL(global *GlobalFlags, api *APIFlags) (string, error) {
	if api.APIUrl != "" {
		return api.APIUrl, nil
	}
	cfg, err := loadConfig(global)
	if err != nil {
		return "", err
	}
	host, port, err := net.SplitHostPort(cfg.Control.Listen)
	if err != nil {
		return "", fmt.Errorf("control.listen %q: %w", cfg.Control.Listen, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	base := strings.TrimRight(cfg.Control.BasePath, "/")
	if base != "" && !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return "http://" + net.JoinHostPort(host, port) + base, nil
}

func newAPIClient(global *GlobalFlags, api *APIFlags) (*client.Client, error) {
	base, err := apiBaseURL(global, api)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: base, Timeout: api.APITimeout}), nil
}

func runStatus(cmd *cobra.Command, global *GlobalFlags, api *APIFlags) error {
	c, err := newAPIClient(global, api)
	if err != nil {
		return err
	}
	st, err := c.Status(cmd.Context())
	if err != nil {
		return fmt.Errorf("launcher not reachable: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func runStart(cmd *cobra.Command, global *GlobalFlags, start *StartFlags) error {
	c, err := newAPIClient(global, &start.APIFlags)
	if err != nil {
		return err
	}
	// the event stream replays earlier runs; only this request's events count
	since := time.Now()
	if err := c.Start(cmd.Context()); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !start.Follow {
		_, _ = fmt.Fprintln(out, "startup requested")
		return nil
	}
	var failed string
	err = c.Events(cmd.Context(), func(e client.Event) bool {
		if e.Phase != "startup" || e.At.Before(since) {
			return true
		}
		_, _ = fmt.Fprintf(out, "[%3d%%] %-8s %-8s %s\n", e.Progress, e.Stage, e.State, e.Message)
		if e.Stage == "ready" {
			return false
		}
		// an optional gateway may fail without aborting startup
		if e.State == "error" && e.Stage != "gateway" {
			failed = e.Message
			return false
		}
		return true
	})
	if err != nil {
		return err
	}
	if failed != "" {
		return fmt.Errorf("startup failed: %s", failed)
	}
	return nil
}

func runStop(cmd *cobra.Command, global *GlobalFlags, api *APIFlags) error {
	c, err := newAPIClient(global, api)
	if err != nil {
		return err
	}
	started, err := c.Shutdown(cmd.Context())
	if err != nil {
		return err
	}
	if started {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "shutdown started")
	} else {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "shutdown already in progress")
	}
	return nil
}
