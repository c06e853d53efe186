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

// Package runs implements the `car runs` command family.
package runs

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/car/internal/commands/carshared"
	"github.com/codex-autorunner/car/internal/engine"
	"github.com/codex-autorunner/car/internal/flow"
	"github.com/codex-autorunner/car/internal/store"
	"github.com/codex-autorunner/car/internal/worker"
)

// NewCommand creates the runs command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and control flow runs",
	}
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newReconcileCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flow runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := carshared.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runs, err := st.ListRuns(cmd.Context(), store.Filter{
				Status: store.Status(status),
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			if carshared.JSON() {
				return carshared.PrintJSON(cmd.OutOrStdout(), runs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN ID\tTYPE\tSTATUS\tSTEP\tCREATED\tERROR")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					run.ID, run.FlowType, run.Status, run.CurrentStep,
					run.CreatedAt.Local().Format(time.DateTime), run.ErrorMessage)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, paused, completed, failed, stopped)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to show (0 for all)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show one run in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ws, err := carshared.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if carshared.JSON() {
				return carshared.PrintJSON(cmd.OutOrStdout(), run)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:        %s\n", run.ID)
			fmt.Fprintf(out, "Type:       %s\n", run.FlowType)
			fmt.Fprintf(out, "Status:     %s\n", run.Status)
			if run.CurrentStep != "" {
				fmt.Fprintf(out, "Step:       %s\n", run.CurrentStep)
			}
			fmt.Fprintf(out, "Created:    %s\n", run.CreatedAt.Local().Format(time.DateTime))
			if run.StartedAt != nil {
				fmt.Fprintf(out, "Started:    %s\n", run.StartedAt.Local().Format(time.DateTime))
			}
			if run.FinishedAt != nil {
				fmt.Fprintf(out, "Finished:   %s\n", run.FinishedAt.Local().Format(time.DateTime))
			}
			if run.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:      %s\n", run.ErrorMessage)
			}
			if run.StopRequested {
				fmt.Fprintln(out, "Stop:       requested")
			}

			if eng, err := engine.ParseState(run.State); err == nil && eng.TotalTurns > 0 {
				fmt.Fprintf(out, "Turns:      %d total", eng.TotalTurns)
				if eng.CurrentTicket != "" {
					fmt.Fprintf(out, ", %d on %s", eng.TicketTurns, eng.CurrentTicket)
				}
				fmt.Fprintln(out)
			}

			if run.Status == store.StatusRunning {
				status, err := worker.NewRegistry(carshared.RunsDir(ws)).Check(run.ID)
				if err == nil {
					if status.Alive {
						fmt.Fprintf(out, "Worker:     pid %d\n", status.PID)
					} else {
						fmt.Fprintf(out, "Worker:     missing (%s)\n", status.Message)
					}
				}
			}
			return nil
		},
	}
}

func newResumeCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a paused run",
		Long: `Resume marks a paused run runnable again. Without --force the resume
gate applies: the run must have a new reply, a changed working tree, or an
infrastructure-error pause behind it. Start a worker afterwards:

  carworker --workspace <repo> --run-id <run-id> --resume`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := carshared.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := carshared.NewController(st)
			if err != nil {
				return err
			}
			if err := c.ResumeFlow(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s resumed; start a worker with --resume to continue it.\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Bypass the resume gate")
	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id>",
		Short: "Request a cooperative stop",
		Long: `Stop sets the run's stop flag. The worker honors it on its next loop
iteration; a turn already in flight finishes first. The agent subprocess is
never killed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := carshared.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			c, err := carshared.NewController(st)
			if err != nil {
				return err
			}
			if err := c.StopFlow(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for run %s.\n", args[0])
			return nil
		},
	}
}

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Sweep for orphaned runs once",
		Long: `Reconcile checks every running run's worker sidecar and transitions
runs whose worker died to stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, ws, err := carshared.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			r := flow.NewReconciler(flow.ReconcilerConfig{
				Store:    st,
				Registry: worker.NewRegistry(carshared.RunsDir(ws)),
				OnStopped: func(runID string) {
					fmt.Fprintf(cmd.OutOrStdout(), "Run %s stopped: worker missing.\n", runID)
				},
			})
			_, err = r.Sweep(cmd.Context())
			return err
		},
	}
}
