package commands

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/imagereg/imaged/internal/config"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/spf13/cobra"
)

var downloadOutput string

var downloadCmd = &cobra.Command{
	Use:   "download <image-id>",
	Short: "Stream an image's content to a file or stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "", "Output file (stdout when empty)")
}

func runDownload(cmd *cobra.Command, args []string) error {
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

	rc, img, err := svc.Download(ctx, adminPrincipal(), id)
	if err != nil {
		return errors.Wrap(err, "download failed")
	}
	defer rc.Close()

	out := os.Stdout
	if downloadOutput != "" {
		out, err = os.Create(downloadOutput)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", downloadOutput)
		}
		defer out.Close()
	}

	n, err := io.Copy(out, rc)
	if err != nil {
		return errors.Wrap(err, "stream failed")
	}

	slog.Info("download_complete", "image_id", img.ID, "bytes", n, "checksum", img.Checksum)
	return nil
}
