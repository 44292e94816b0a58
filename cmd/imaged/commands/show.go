package commands

import (
	"context"
	"fmt"
	"sort"

	"github.com/imagereg/imaged/internal/config"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <image-id>",
	Short: "Show full metadata for one image",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
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

	img, err := svc.Get(ctx, adminPrincipal(), args[0])
	if err != nil {
		return errors.Wrap(err, "show failed")
	}

	fmt.Printf("ID:               %s\n", img.ID)
	fmt.Printf("Name:             %s\n", orDash(img.Name))
	fmt.Printf("Status:           %s\n", img.Status)
	fmt.Printf("Disk format:      %s\n", orDash(img.DiskFormat))
	fmt.Printf("Container format: %s\n", orDash(img.ContainerFormat))
	fmt.Printf("Size:             %d\n", img.Size)
	fmt.Printf("Checksum:         %s\n", orDash(img.Checksum))
	fmt.Printf("Public:           %t\n", img.IsPublic)
	fmt.Printf("Protected:        %t\n", img.Protected)
	fmt.Printf("Owner:            %s\n", orDash(img.Owner))
	fmt.Printf("Created:          %s\n", img.CreatedAt)
	fmt.Printf("Updated:          %s\n", img.UpdatedAt)

	if len(img.Properties) > 0 {
		fmt.Println("Properties:")
		keys := make([]string, 0, len(img.Properties))
		for k := range img.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %s\n", k, img.Properties[k])
		}
	}

	return nil
}
