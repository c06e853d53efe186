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

// Package events implements the `car events` command.
package events

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/car/internal/commands/carshared"
	"github.com/codex-autorunner/car/internal/store"
)

// NewCommand creates the events command.
func NewCommand() *cobra.Command {
	var (
		afterSeq int64
		follow   bool
	)

	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show a run's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := carshared.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			runID := args[0]
			if !follow {
				events, err := st.ListEvents(cmd.Context(), runID, afterSeq)
				if err != nil {
					return err
				}
				if carshared.JSON() {
					return carshared.PrintJSON(cmd.OutOrStdout(), events)
				}
				for _, ev := range events {
					printEvent(cmd, ev)
				}
				return nil
			}

			c, err := carshared.NewController(st)
			if err != nil {
				return err
			}
			ch, cancel, err := c.SubscribeEvents(cmd.Context(), runID, afterSeq)
			if err != nil {
				return err
			}
			defer cancel()

			// Follow mode relies on another process appending events; poll the
			// store through the subscription until the context ends.
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case ev, ok := <-ch:
					if !ok {
						return fmt.Errorf("event stream closed (slow consumer)")
					}
					if carshared.JSON() {
						if err := carshared.PrintJSON(cmd.OutOrStdout(), ev); err != nil {
							return err
						}
					} else {
						printEvent(cmd, ev)
					}
				case <-ticker.C:
					c.Publish(runID)
				}
			}
		},
	}

	cmd.Flags().Int64Var(&afterSeq, "after", 0, "Only events with seq greater than this")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream new events until interrupted")
	return cmd
}

func printEvent(cmd *cobra.Command, ev *store.FlowEvent) {
	data := ""
	if len(ev.Data) > 0 {
		data = " " + string(ev.Data)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%4d  %s  %s%s\n",
		ev.Seq, ev.TS.Local().Format(time.TimeOnly), ev.Type, data)
}
