package main

import (
	"errors"
	"fmt"

	"github.com/couchcryptid/wx-cache-service/internal/adapter/awc"
	s3adapter "github.com/couchcryptid/wx-cache-service/internal/adapter/s3"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	"github.com/spf13/cobra"
)

func newIngestCommand(e *env) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "ingest <kind|all>",
		Short: "Run one ingestion and print its summary.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "all" && source != "" {
				return errors.New("--source cannot be combined with all")
			}

			st := e.openStore()
			defer st.Close()

			var opts []pipeline.Option
			if e.cfg.BackupEnabled() {
				var sinkOpts []s3adapter.Option
				if e.cfg.BackupEndpoint != "" {
					sinkOpts = append(sinkOpts, s3adapter.OptEndpoint(e.cfg.BackupEndpoint))
				}
				sink, err := s3adapter.NewSink(e.cfg.AWSRegion, e.cfg.BackupBucket, e.logger, sinkOpts...)
				if err != nil {
					return err
				}
				opts = append(opts, pipeline.WithBackup(sink))
			}
			downloader := awc.NewDownloader(e.cfg.DownloadTimeout, e.cfg.DownloadRetries, e.logger)
			p := pipeline.New(e.cfg, downloader, st, e.logger, e.metrics, opts...)

			if args[0] == "all" {
				summaries, err := p.RunAll(cmd.Context(), pipeline.FeedTriggers(p.Feeds()))
				if perr := e.printJSON(summaries); perr != nil {
					return perr
				}
				return err
			}

			summary, err := p.Run(cmd.Context(), domain.Trigger{BulletinKind: args[0], SourceURL: source})
			if perr := e.printJSON(summary); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("ingestion failed at %s: %w", summary.FailedStage, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&source, "source", "s", "", "download from this URL instead of the feed's source")
	return cmd
}
