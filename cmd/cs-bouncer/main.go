// Copyright 2021 Herman Slatman
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cs-bouncer is the standalone driver around the bouncer
// library: it can serve HTTP traffic directly, or perform one-off cache
// maintenance operations against a configured backend.
package main

import (
	"fmt"
	"os"

	"github.com/hslatman/go-crowdsec-remediation/internal/version"
	"github.com/spf13/cobra"
)

const (
	exitCodeSuccess            = 0
	exitCodeConfigError        = 2
	exitCodeBackendUnreachable = 3
	exitCodeBusy               = 4
)

// exitError carries the process exit code alongside the error message
// that caused it, so RunE functions can report structured failures that
// main translates into the documented exit codes.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ee *exitError
		code := exitCodeConfigError
		if ok := asExitError(err, &ee); ok {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(code)
	}
}

func asExitError(err error, target **exitError) bool {
	for err != nil {
		if ee, ok := err.(*exitError); ok {
			*target = ee
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "cs-bouncer",
		Short:   "Runs and administers the CrowdSec remediation engine",
		Version: version.Current(),
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML configuration file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newRefreshCacheCommand(&configPath))
	root.AddCommand(newClearCacheCommand(&configPath))
	root.AddCommand(newPruneCacheCommand(&configPath))

	return root
}
