package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/imagereg/imaged/internal/config"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/imagereg/imaged/pkg/scrub"
	"github.com/spf13/cobra"
)

var (
	scrubSweepStalled bool
	scrubStalledAge   time.Duration
)

var scrubCmd = &cobra.Command{
	Use:   "scrub",
	Short: "Remove content parked for deferred deletion",
	Long: `Drains the deferred-deletion queue: every image parked in pending_delete
longer than the configured scrub age has its content removed and its
metadata finalized. With --sweep-stalled, images stuck mid-upload are
marked killed as well.`,
	RunE: runScrub,
}

func init() {
	rootCmd.AddCommand(scrubCmd)
	scrubCmd.Flags().BoolVar(&scrubSweepStalled, "sweep-stalled", false, "Also kill images stuck in saving")
	scrubCmd.Flags().DurationVar(&scrubStalledAge, "stalled-age", time.Hour, "Age after which a saving image counts as stalled")
}

func runScrub(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		return err
	}

	scrubber := scrub.New(repo, stores, cfg.ScrubAge)

	scrubbed, err := scrubber.Run(ctx)
	if err != nil {
		return errors.Wrap(err, "scrub failed")
	}
	fmt.Printf("Scrubbed %d images\n", scrubbed)

	if scrubSweepStalled {
		killed, err := scrubber.SweepStalled(ctx, scrubStalledAge)
		if err != nil {
			return errors.Wrap(err, "stalled sweep failed")
		}
		fmt.Printf("Killed %d stalled uploads\n", killed)
	}

	return nil
}
