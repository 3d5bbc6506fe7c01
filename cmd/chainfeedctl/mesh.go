package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"chainfeed/cmd/chainfeedctl/ui"
	"chainfeed/internal/mesh"

	"github.com/spf13/cobra"
)

func meshCmd(busAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mesh",
		Short: "List mesh registry entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := connect(cmd.Context(), *busAddr)
			if err != nil {
				return err
			}
			defer b.Close()

			snapshot, err := mesh.Snapshot(cmd.Context(), b)
			if err != nil {
				return err
			}
			if len(snapshot) == 0 {
				fmt.Println(ui.Muted("mesh registry is empty"))
				return nil
			}

			fields := make([]string, 0, len(snapshot))
			for field := range snapshot {
				fields = append(fields, field)
			}
			sort.Strings(fields)

			now := time.Now()
			rows := make([][]string, 0, len(fields))
			for _, field := range fields {
				hb := snapshot[field]
				age := "?"
				if issued := hb.IssuedAt(); !issued.IsZero() {
					age = now.Sub(issued).Truncate(time.Second).String()
				}
				rows = append(rows, []string{
					hb.NodeID,
					hb.Group,
					ui.Status(string(hb.Status)),
					age,
					hb.Version,
					strings.Join(hb.Symbols, " "),
				})
			}
			fmt.Println(ui.Table(
				[]string{"Node", "Group", "Status", "Age", "Version", "Symbols"},
				rows,
			))
			fmt.Println(ui.Muted(fmt.Sprintf("  %d nodes", len(mesh.Nodes(snapshot)))))
			return nil
		},
	}
}
