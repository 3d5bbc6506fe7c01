package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"chainfeed"
	"chainfeed/cmd/chainfeedctl/ui"
	"chainfeed/internal/bus"
	"chainfeed/internal/truth"

	"github.com/spf13/cobra"
)

func truthCmd(busAddr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "truth",
		Short: "Show the canonical truth document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := connect(cmd.Context(), *busAddr)
			if err != nil {
				return err
			}
			defer b.Close()

			raw, err := b.Get(cmd.Context(), chainfeed.KeyTruthSchema)
			if errors.Is(err, bus.ErrNotFound) {
				return fmt.Errorf("no truth document on the bus; is a node running?")
			}
			if err != nil {
				return err
			}

			var env truth.Envelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				return fmt.Errorf("truth document unreadable: %w", err)
			}
			doc := &env.Schema

			providers := make([]string, 0, len(doc.Providers.DataProviders))
			for name, cfg := range doc.Providers.DataProviders {
				if cfg.Enabled {
					name = ui.Success(name)
				} else {
					name = ui.Muted(name)
				}
				providers = append(providers, name)
			}
			sort.Strings(providers)

			synths := make([]string, 0, len(doc.ChainFeed.SyntheticIndexes))
			for name := range doc.ChainFeed.SyntheticIndexes {
				synths = append(synths, name)
			}
			sort.Strings(synths)

			fmt.Println(ui.KeyValues("  ",
				ui.KV("Version", ui.Bold(env.Version)),
				ui.KV("Source Node", env.SourceNode),
				ui.KV("Published", env.Timestamp),
				ui.KV("Symbols", strings.Join(doc.ChainFeed.DefaultSymbols, " ")),
				ui.KV("Raw Feed", rawSummary(doc)),
				ui.KV("Providers", strings.Join(providers, " ")),
				ui.KV("Synthetics", strings.Join(synths, " ")),
			))
			return nil
		},
	}
}

func rawSummary(doc *truth.Document) string {
	if !doc.ChainFeed.Raw.Enabled {
		return ui.Muted("disabled")
	}
	return ui.Success("enabled") + ui.Muted(" every "+strconv.Itoa(doc.ChainFeed.Raw.IntervalSec)+"s")
}
