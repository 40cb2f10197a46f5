package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hslatman/go-crowdsec-remediation/internal/decision"
	"github.com/hslatman/go-crowdsec-remediation/internal/lapi"
	"github.com/hslatman/go-crowdsec-remediation/internal/stream"
)

func newRefreshCacheCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-cache",
		Short: "Performs a single stream refresh cycle against the Local API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRefreshCache(*configPath)
		},
	}
}

func runRefreshCache(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	backing, err := openBackend(cfg)
	if err != nil {
		return err
	}

	var execOpts []lapi.Option
	execOpts = append(execOpts, lapi.WithTimeout(cfg.Timeout))
	if cfg.UseCurl {
		execOpts = append(execOpts, lapi.WithExecutor(lapi.NewAPIKeyExecutor(lapi.NewCurlExecutor(""), cfg.APIKey)))
	} else {
		execOpts = append(execOpts, lapi.WithExecutor(lapi.NewAPIKeyExecutor(lapi.NewHTTPExecutor(nil), cfg.APIKey)))
	}
	client, err := lapi.New(cfg.APIUrl, execOpts...)
	if err != nil {
		return &exitError{code: exitCodeConfigError, err: err}
	}

	index := decision.New(backing, "decisions")
	syncer := stream.New(client, index)

	deleted, added, err := syncer.Refresh(context.Background())
	if err != nil {
		if err == stream.ErrBusy {
			return &exitError{code: exitCodeBusy, err: err}
		}
		return &exitError{code: exitCodeBackendUnreachable, err: err}
	}

	fmt.Printf("refreshed: %d added, %d deleted\n", added, deleted)

	return nil
}
