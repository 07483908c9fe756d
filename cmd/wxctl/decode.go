package main

import (
	"fmt"
	"os"

	"github.com/couchcryptid/wx-cache-service/internal/codec"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/pipeline"
	"github.com/spf13/cobra"
)

type decodeReport struct {
	Kind     domain.Kind     `json:"kind"`
	File     string          `json:"file"`
	Format   codec.Format    `json:"format"`
	Decoded  int             `json:"decoded"`
	Warnings []codec.Warning `json:"warnings"`
	Records  []domain.Record `json:"records,omitempty"`
}

// newDecodeCommand decodes a local bulk file without touching the store, to
// check a captured or backed-up payload.
func newDecodeCommand(e *env) *cobra.Command {
	var withRecords, api bool

	cmd := &cobra.Command{
		Use:   "decode <kind> <file>",
		Short: "Decode a bulk file (optionally gzipped) and report warnings.",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}
			payload, err := pipeline.Decompress(raw)
			if err != nil {
				return err
			}

			decode, format := codec.Decode, codec.FormatJSON
			if api {
				decode = codec.DecodeAPI
			} else if format, err = codec.FormatOf(kind); err != nil {
				return err
			}
			records, warnings, err := decode(kind, payload, codec.Options{})
			if err != nil {
				return err
			}

			report := decodeReport{
				Kind:     kind,
				File:     args[1],
				Format:   format,
				Decoded:  len(records),
				Warnings: warnings,
			}
			if report.Warnings == nil {
				report.Warnings = []codec.Warning{}
			}
			if withRecords {
				report.Records = records
			}
			return e.printJSON(report)
		},
	}
	cmd.Flags().BoolVarP(&withRecords, "records", "r", false, "include the normalized records in the output")
	cmd.Flags().BoolVar(&api, "api", false, "read the data API's JSON shape instead of the bulk format")
	return cmd
}
