package commands

import (
	"context"
	"fmt"

	"github.com/imagereg/imaged/internal/config"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	listStatus  string
	listName    string
	listSizeMin int64
	listSizeMax int64
	listSortKey string
	listSortDir string
	listMarker  string
	listLimit   int
	listDeleted bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List images with optional filters and pagination",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	listCmd.Flags().StringVar(&listName, "name", "", "Filter by exact name")
	listCmd.Flags().Int64Var(&listSizeMin, "size-min", -1, "Minimum size in bytes")
	listCmd.Flags().Int64Var(&listSizeMax, "size-max", -1, "Maximum size in bytes")
	listCmd.Flags().StringVar(&listSortKey, "sort-key", "created_at", "Sort key")
	listCmd.Flags().StringVar(&listSortDir, "sort-dir", "desc", "Sort direction (asc or desc)")
	listCmd.Flags().StringVar(&listMarker, "marker", "", "Resume listing after this image ID")
	listCmd.Flags().IntVar(&listLimit, "limit", 25, "Page size")
	listCmd.Flags().BoolVar(&listDeleted, "deleted", false, "Include deleted images")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
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

	filters := map[string]string{}
	if listStatus != "" {
		filters["status"] = listStatus
	}
	if listName != "" {
		filters["name"] = listName
	}
	if listSizeMin >= 0 {
		filters["size_min"] = fmt.Sprintf("%d", listSizeMin)
	}
	if listSizeMax >= 0 {
		filters["size_max"] = fmt.Sprintf("%d", listSizeMax)
	}
	if listDeleted {
		filters["deleted"] = "true"
	}

	images, err := svc.List(ctx, adminPrincipal(), db.ListOptions{
		Filters: filters,
		SortKey: listSortKey,
		SortDir: listSortDir,
		Marker:  listMarker,
		Limit:   listLimit,
	})
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(images) == 0 {
		fmt.Println("No images found")
		return nil
	}

	fmt.Printf("%-38s %-24s %-14s %-8s %-6s %12s\n", "ID", "NAME", "STATUS", "DISK", "CONT", "SIZE")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, img := range images {
		name := img.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("%-38s %-24s %-14s %-8s %-6s %12d\n",
			img.ID, name, img.Status, orDash(img.DiskFormat), orDash(img.ContainerFormat), img.Size)
	}

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
