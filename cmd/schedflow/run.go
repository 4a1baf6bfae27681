package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one timeline scan and enqueue the matched occurrences",
	Long: `Run one timeline scan now. Matched occurrences are enqueued and
delivered by a running "schedflow serve".`,
	RunE: runScan,
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete dispatch log rows and finished tasks past retention",
	RunE:  runPurge,
}

func runScan(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) (any, error) {
		res, err := a.service.RunScan(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"skipped":    res.Skipped,
			"checkpoint": res.Checkpoint.ID,
			"matches":    res.Matches,
		}, nil
	})
}

func runPurge(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) (any, error) {
		return a.service.RunPurge(ctx)
	})
}

// withApp wires the app, runs fn once and prints its result as JSON.
func withApp(fn func(context.Context, *app) (any, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
