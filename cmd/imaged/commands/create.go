package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imagereg/imaged/internal/config"
	"github.com/imagereg/imaged/pkg/db"
	"github.com/imagereg/imaged/pkg/errors"
	appflow "github.com/imagereg/imaged/pkg/flow"
	"github.com/imagereg/imaged/pkg/registry"
	"github.com/imagereg/imaged/pkg/store"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var (
	createID        string
	createDisk      string
	createContainer string
	createPublic    bool
	createProtected bool
	createFile      string
	createCopyFrom  string
	createLocation  string
	createSize      int64
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Reserve an image and optionally ingest its content",
	Long: `Reserves an image record and, when a content source is given, runs the
durable ingestion workflow:
  --file <path>        Upload a local file through reserve/transfer/activate
  --copy-from <url>    Pull content from s3:// or http(s):// into the store
  --location <url>     Reference externally hosted content without copying`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVar(&createID, "id", "", "Image ID (generated when empty)")
	createCmd.Flags().StringVar(&createDisk, "disk-format", "", "Disk format (ami, ari, aki, vhd, vmdk, raw, qcow2, vdi, iso)")
	createCmd.Flags().StringVar(&createContainer, "container-format", "", "Container format (ami, ari, aki, bare, ovf)")
	createCmd.Flags().BoolVar(&createPublic, "public", false, "Make the image publicly visible")
	createCmd.Flags().BoolVar(&createProtected, "protected", false, "Protect the image from deletion")
	createCmd.Flags().StringVar(&createFile, "file", "", "Local file to upload")
	createCmd.Flags().StringVar(&createCopyFrom, "copy-from", "", "External source to copy content from")
	createCmd.Flags().StringVar(&createLocation, "location", "", "External location to reference without copying")
	createCmd.Flags().Int64Var(&createSize, "size", -1, "Declared content size in bytes (0 activates with no content)")
}

func runCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	name := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FlowDBPath, cfg.StoreRoot); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	svc, stores, drain, err := buildService(ctx, cfg, repo)
	if err != nil {
		return err
	}
	defer drain()

	// Workflow-backed sources run through the durable FSM so an
	// interrupted transfer can resume; a bare reservation or an external
	// location reference is a single metadata write and goes direct.
	if createFile != "" || createCopyFrom != "" {
		return runIngestFlow(ctx, cfg, svc, repo, stores, name)
	}

	meta := registry.Metadata{
		ID:              createID,
		Name:            name,
		DiskFormat:      createDisk,
		ContainerFormat: createContainer,
		IsPublic:        createPublic,
		Protected:       createProtected,
		Location:        createLocation,
	}
	if createSize >= 0 {
		meta.Size = &createSize
	}

	img, err := svc.Create(ctx, adminPrincipal(), meta, nil)
	if err != nil {
		return errors.Wrap(err, "create failed")
	}

	fmt.Printf("%-38s %-12s %-12s %d\n", img.ID, img.Status, img.DiskFormat, img.Size)
	return nil
}

func runIngestFlow(ctx context.Context, cfg *config.Config, svc *registry.Service,
	repo *db.Repository, stores *store.Registry, name string) error {
	manager, err := fsm.New(fsm.Config{DBPath: cfg.FlowDBPath})
	if err != nil {
		return errors.Wrap(err, "workflow manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appflow.NewMachine(svc, repo, stores, cfg.FlowMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "workflow register failed")
	}

	req := &appflow.IngestRequest{
		ImageID:         createID,
		Name:            name,
		DiskFormat:      createDisk,
		ContainerFormat: createContainer,
		IsPublic:        createPublic,
		Protected:       createProtected,
		Owner:           adminPrincipal().Owner,
		FilePath:        createFile,
		CopyFrom:        createCopyFrom,
	}
	resp := &appflow.IngestResponse{}

	key := createID
	if key == "" {
		key = name
	}

	version, err := start(ctx, key, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "workflow start failed")
	}

	slog.Info("ingest_flow_started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "workflow execution failed")
	}

	fmt.Printf("%-38s %-12s %-66s %d\n", resp.ImageID, resp.Status, resp.Checksum, resp.Size)
	return nil
}
