// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// car is the operator CLI for codex-autorunner: it inspects and controls
// flow runs in a repository's flow store. The per-run worker is the separate
// carworker binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/car/internal/commands/carshared"
	"github.com/codex-autorunner/car/internal/commands/events"
	"github.com/codex-autorunner/car/internal/commands/runs"
)

// Version information (injected via ldflags at build time)
var (
	version = "dev"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "car",
		Short: "codex-autorunner - per-repository autonomous coding runs",
		Long: `car inspects and controls codex-autorunner flow runs. Each run drives an
autonomous coding agent through the repository's ticket queue, one agent
turn at a time, with all progress durably recorded in
.codex-autorunner/flows.db.

Start or resume runs with the carworker binary; use car to watch and steer
them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	ws, jsonFlag := carshared.RegisterFlagPointers()
	cmd.PersistentFlags().StringVarP(ws, "workspace", "w", ".", "Repository root")
	cmd.PersistentFlags().BoolVar(jsonFlag, "json", false, "Output in JSON format")

	cmd.AddCommand(runs.NewCommand())
	cmd.AddCommand(events.NewCommand())
	return cmd
}
