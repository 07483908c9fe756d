package main

import (
	"github.com/couchcryptid/wx-cache-service/internal/adapter/awc"
	"github.com/couchcryptid/wx-cache-service/internal/domain"
	"github.com/couchcryptid/wx-cache-service/internal/retrieval"
	"github.com/spf13/cobra"
)

func (e *env) retrievalService(st cliStore) *retrieval.Service {
	fallback := awc.NewClient(e.cfg.FallbackBaseURL, e.cfg.FallbackTimeout, e.logger)
	return retrieval.New(e.cfg, st, fallback, e.logger, e.metrics)
}

func newLookupCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <kind> <id>",
		Short: "Look up one bulletin, cache first.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			st := e.openStore()
			defer st.Close()

			res, err := e.retrievalService(st).Lookup(cmd.Context(), kind, args[1])
			if err != nil {
				return err
			}
			out := map[string]any{"origin": res.Origin, "record": res.Record}
			if res.Diagnostics.ResolvedFrom != "" {
				out["resolvedFrom"] = res.Diagnostics.ResolvedFrom
			}
			if res.Diagnostics.WriteThroughErr != nil {
				out["writeThroughError"] = res.Diagnostics.WriteThroughErr.Error()
			}
			return e.printJSON(out)
		},
	}
}

func newListCommand(e *env) *cobra.Command {
	var q retrieval.Query
	var index string

	cmd := &cobra.Command{
		Use:   "list <kind>",
		Short: "List live records through an index.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseKind(args[0])
			if err != nil {
				return err
			}
			q.Index = retrieval.IndexName(index)
			if q.Group != "" && q.Index == "" {
				q.Index = retrieval.IndexGroup
			}
			st := e.openStore()
			defer st.Close()

			res, err := e.retrievalService(st).List(cmd.Context(), kind, q)
			if err != nil {
				return err
			}
			return e.printJSON(res)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&index, "index", "i", "", "index to read: all, recent, or group")
	flags.StringVarP(&q.Group, "group", "g", "", "group as attribute:value, e.g. category:IFR")
	flags.IntVarP(&q.Limit, "limit", "n", retrieval.DefaultLimit, "maximum records to return")
	return cmd
}
