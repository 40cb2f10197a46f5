package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPruneCacheCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune-cache",
		Short: "Reclaims space held by expired entries on backends that don't expire eagerly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPruneCache(*configPath)
		},
	}
}

func runPruneCache(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	backing, err := openBackend(cfg)
	if err != nil {
		return err
	}

	if err := backing.Prune(context.Background()); err != nil {
		return &exitError{code: exitCodeBackendUnreachable, err: err}
	}

	fmt.Println("cache pruned")

	return nil
}
