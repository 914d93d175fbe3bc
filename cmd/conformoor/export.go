package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethpandaops/conformoor/pkg/catalog"
	"github.com/ethpandaops/conformoor/pkg/report"
	"github.com/ethpandaops/conformoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	exportDir   string
	exportNoS3  bool
	exportLimit time.Duration
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the progress badge and summary",
	Long: `Aggregate the recorded outcomes for the current catalog and write a
progress badge (SVG) and a JSON summary. When S3 export is configured the
files are uploaded as well.`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportDir, "dir", "",
		"Output directory (overrides export.dir)")
	exportCmd.Flags().BoolVar(&exportNoS3, "no-upload", false,
		"Skip the S3 upload even when it is configured")
	exportCmd.Flags().DurationVar(&exportLimit, "timeout", 2*time.Minute,
		"Overall timeout for aggregation and upload")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if exportDir != "" {
		cfg.Export.Dir = exportDir
	}

	fs := afero.NewOsFs()

	ids, err := catalog.Load(fs, cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	grouper, err := catalog.NewGrouper(
		cfg.Catalog.GroupAnchor, cfg.Catalog.GroupDepth, cfg.Catalog.GroupFallback,
	)
	if err != nil {
		return fmt.Errorf("creating grouper: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), exportLimit)
	defer cancel()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close results database")
		}
	}()

	summary, err := report.BuildSummary(ctx, st, ids, grouper, time.Now())
	if err != nil {
		return fmt.Errorf("building summary: %w", err)
	}

	var uploader report.Uploader

	if cfg.Export.S3.Enabled && !exportNoS3 {
		uploader, err = report.NewS3Uploader(log, &cfg.Export.S3)
		if err != nil {
			return fmt.Errorf("creating s3 uploader: %w", err)
		}
	}

	written, err := report.NewExporter(log, fs, cfg.Export.Dir, uploader).
		Export(ctx, summary)
	if err != nil {
		return fmt.Errorf("exporting report: %w", err)
	}

	log.WithFields(logrus.Fields{
		"files":     len(written),
		"passed":    summary.Passed,
		"total":     summary.Total,
		"pass_rate": fmt.Sprintf("%.1f%%", summary.PassRate),
	}).Info("Export completed")

	return nil
}
