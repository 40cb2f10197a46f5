package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCacheCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-cache",
		Short: "Removes every decision entry from the configured cache backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClearCache(*configPath)
		},
	}
}

func runClearCache(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	backing, err := openBackend(cfg)
	if err != nil {
		return err
	}

	if err := backing.Clear(context.Background()); err != nil {
		return &exitError{code: exitCodeBackendUnreachable, err: err}
	}

	fmt.Println("cache cleared")

	return nil
}
