package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"chainfeed"
	"chainfeed/cmd/chainfeedctl/ui"
	"chainfeed/internal/bus"
	"chainfeed/node"

	"github.com/spf13/cobra"
)

func statusCmd(busAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last published startup status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := connect(cmd.Context(), *busAddr)
			if err != nil {
				return err
			}
			defer b.Close()

			raw, err := b.Get(cmd.Context(), chainfeed.KeyStartupStatus)
			if errors.Is(err, bus.ErrNotFound) {
				return fmt.Errorf("no startup status on the bus; is a node running?")
			}
			if err != nil {
				return err
			}

			var status node.StartupStatus
			if err := json.Unmarshal([]byte(raw), &status); err != nil {
				return fmt.Errorf("startup status unreadable: %w", err)
			}

			fmt.Println(ui.KeyValues("  ",
				ui.KV("Phase", status.Phase),
				ui.KV("State", ui.Status(status.State)),
				ui.KV("Updated", status.Timestamp),
			))

			components := make([]string, 0, len(status.Status))
			for name := range status.Status {
				components = append(components, name)
			}
			sort.Strings(components)

			rows := make([][]string, 0, len(components))
			for _, name := range components {
				rows = append(rows, []string{name, ui.Status(status.Status[name])})
			}
			fmt.Println(ui.Table([]string{"Component", "Status"}, rows))
			return nil
		},
	}
}
