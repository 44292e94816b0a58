package commands

import (
	"context"
	"fmt"

	"github.com/imagereg/imaged/internal/config"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <image-id>",
	Short: "Delete an image and its content",
	Long: `Marks the image deleted and removes its content. Under delayed deletion
the content is parked in pending_delete until the scrubber collects it.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	id := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	svc, _, drain, err := buildService(ctx, cfg, repo)
	if err != nil {
		return err
	}
	defer drain()

	if err := svc.Delete(ctx, adminPrincipal(), id); err != nil {
		return errors.Wrap(err, "delete failed")
	}

	if cfg.DelayedDelete {
		fmt.Printf("Image %s queued for deletion\n", id)
	} else {
		fmt.Printf("Image %s deleted\n", id)
	}
	return nil
}
