package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "imaged",
	Short: "Image registry - metadata and blob management",
	Long:  `Manages machine image metadata and content with a durable ingestion workflow, pluggable storage backends, and deferred deletion.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/images.db", "SQLite database path")
	rootCmd.PersistentFlags().String("flow-db-path", ".artifacts/flow.db", "Ingestion workflow BoltDB path")
	rootCmd.PersistentFlags().String("store-root", ".artifacts/store", "Filesystem store root directory")
	rootCmd.PersistentFlags().String("default-store", "file", "Backend scheme uploads land in (file or s3)")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name (enables the s3 backend)")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().Int64("image-size-cap", 1024*1024*1024*1024, "Max image size in bytes")
	rootCmd.PersistentFlags().Bool("delayed-delete", false, "Park deleted content for the scrubber instead of removing it inline")
	rootCmd.PersistentFlags().Duration("scrub-age", time.Hour, "Minimum age before parked content is scrubbed")
	rootCmd.PersistentFlags().Int64("task-pool-size", 1024, "Max concurrent detached ingestion tasks")
	rootCmd.PersistentFlags().Int("flow-max-retries", 5, "Max retries per workflow state")

	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("flow-db-path", rootCmd.PersistentFlags().Lookup("flow-db-path"))
	viper.BindPFlag("store-root", rootCmd.PersistentFlags().Lookup("store-root"))
	viper.BindPFlag("default-store", rootCmd.PersistentFlags().Lookup("default-store"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("image-size-cap", rootCmd.PersistentFlags().Lookup("image-size-cap"))
	viper.BindPFlag("delayed-delete", rootCmd.PersistentFlags().Lookup("delayed-delete"))
	viper.BindPFlag("scrub-age", rootCmd.PersistentFlags().Lookup("scrub-age"))
	viper.BindPFlag("task-pool-size", rootCmd.PersistentFlags().Lookup("task-pool-size"))
	viper.BindPFlag("flow-max-retries", rootCmd.PersistentFlags().Lookup("flow-max-retries"))
}
