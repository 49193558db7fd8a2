package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/refreshg/Vian/internal/bitrix"
	"github.com/refreshg/Vian/internal/collector"
	"github.com/refreshg/Vian/internal/compute"
	"github.com/refreshg/Vian/internal/config"
	"github.com/refreshg/Vian/internal/sla"
	"github.com/refreshg/Vian/pkg/types"
)

var reportFlags struct {
	start    string
	end      string
	category string
	input    string
	trace    bool
	compact  bool
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print one report as JSON, live from the CRM or from a saved payload",
	Args:  cobra.NoArgs,
	RunE:  runReport,
}

func init() {
	f := reportCmd.Flags()
	f.StringVar(&reportFlags.start, "start", "", "first creation date, YYYY-MM-DD (inclusive)")
	f.StringVar(&reportFlags.end, "end", "", "last creation date, YYYY-MM-DD (inclusive)")
	f.StringVar(&reportFlags.category, "category", "", "pipeline (category) ID; defaults to crm.category_id")
	f.StringVar(&reportFlags.input, "input", "", "read a saved raw payload instead of calling the CRM")
	f.BoolVar(&reportFlags.trace, "trace", false, "include per-deal SLA traces")
	f.BoolVar(&reportFlags.compact, "compact", false, "print compact JSON")
	_ = reportCmd.MarkFlagRequired("start")
	_ = reportCmd.MarkFlagRequired("end")
}

func runReport(cmd *cobra.Command, _ []string) error {
	cfg := config.Defaults()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	q, err := parseQuery(reportFlags.start, reportFlags.end, reportFlags.category, cfg.CRM.CategoryID)
	if err != nil {
		return err
	}

	var snap *types.Snapshot
	if reportFlags.input != "" {
		snap, err = collector.LoadFile(reportFlags.input, q, cfg.CRM.Fields.FieldMap())
	} else {
		var client *bitrix.Client
		client, err = bitrix.New(cfg.CRM.ClientConfig())
		if err != nil {
			return fmt.Errorf("report: %w", err)
		}
		snap, err = collector.New(client, cfg.CRM.Fields.FieldMap(), cfg.CRM.CategoryID).Collect(cmd.Context(), q)
	}
	if err != nil {
		return err
	}

	calc, err := sla.New(cfg.SLA.Calculator())
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	rep := compute.NewEngine(calc).Build(snap, time.Now(), compute.Options{Trace: reportFlags.trace})

	enc := json.NewEncoder(cmd.OutOrStdout())
	if !reportFlags.compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(rep)
}

// parseQuery validates the date flags and applies the default category.
func parseQuery(start, end, category, defaultCategory string) (types.Query, error) {
	s, err := time.Parse(types.DateLayout, strings.TrimSpace(start))
	if err != nil {
		return types.Query{}, fmt.Errorf("report: --start must be YYYY-MM-DD: %w", err)
	}
	e, err := time.Parse(types.DateLayout, strings.TrimSpace(end))
	if err != nil {
		return types.Query{}, fmt.Errorf("report: --end must be YYYY-MM-DD: %w", err)
	}
	if e.Before(s) {
		return types.Query{}, errors.New("report: --end is before --start")
	}
	category = strings.TrimSpace(category)
	if category == "" {
		category = defaultCategory
	}
	return types.Query{Start: s, End: e, CategoryID: category}, nil
}
