package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/imagereg/imaged/internal/config"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/imagereg/imaged/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	updateName      string
	updateDisk      string
	updateContainer string
	updateProps     []string
	updateNoPurge   bool
	updateLocation  string
)

var updateCmd = &cobra.Command{
	Use:   "update <image-id>",
	Short: "Update image metadata",
	Long: `Applies a partial metadata update. Free-form properties are replaced
wholesale unless --no-purge-props keeps the ones not mentioned.`,
	Args: cobra.ExactArgs(1),
	RunE: runUpdate,
}

func init() {
	rootCmd.AddCommand(updateCmd)
	updateCmd.Flags().StringVar(&updateName, "name", "", "New name")
	updateCmd.Flags().StringVar(&updateDisk, "disk-format", "", "New disk format")
	updateCmd.Flags().StringVar(&updateContainer, "container-format", "", "New container format")
	updateCmd.Flags().StringArrayVar(&updateProps, "prop", nil, "Property as key=value (repeatable)")
	updateCmd.Flags().BoolVar(&updateNoPurge, "no-purge-props", false, "Keep properties not mentioned in this update")
	updateCmd.Flags().StringVar(&updateLocation, "location", "", "Bind an external location (queued images only)")
}

func runUpdate(cmd *cobra.Command, args []string) error {
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

	svc, _, drain, err := buildService(ctx, cfg, repo)
	if err != nil {
		return err
	}
	defer drain()

	req := registry.UpdateRequest{
		Location:     updateLocation,
		NoPurgeProps: updateNoPurge,
	}
	if cmd.Flags().Changed("name") {
		req.Name = &updateName
	}
	if cmd.Flags().Changed("disk-format") {
		req.DiskFormat = &updateDisk
	}
	if cmd.Flags().Changed("container-format") {
		req.ContainerFormat = &updateContainer
	}
	if len(updateProps) > 0 {
		props := make(map[string]string, len(updateProps))
		for _, p := range updateProps {
			k, v, ok := strings.Cut(p, "=")
			if !ok {
				return errors.Wrapf(errors.ErrInvalid, "property %q is not key=value", p)
			}
			props[k] = v
		}
		req.Properties = props
	}

	img, err := svc.Update(ctx, adminPrincipal(), args[0], req, nil)
	if err != nil {
		return errors.Wrap(err, "update failed")
	}

	fmt.Printf("%-38s %-12s %-12s %d\n", img.ID, img.Status, orDash(img.DiskFormat), img.Size)
	return nil
}
