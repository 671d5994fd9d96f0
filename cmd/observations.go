package main

import (
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/query"
)

type observationsFlags struct {
	project             string
	page                int
	limit               int
	name                string
	userID              string
	obsType             string
	traceID             string
	parentObservationID string
	version             string
	from                string
	to                  string
}

func newObservationsCmd() *cobra.Command {
	var f observationsFlags

	cmd := &cobra.Command{
		Use:   "observations",
		Short: "Print one page of a project's observations as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params, err := f.params()
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if f.limit == 0 {
				f.limit = cfg.DefaultPageLimit
			}

			a, err := connect(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			svc, err := a.service()
			if err != nil {
				return err
			}

			resp, err := svc.List(cmd.Context(), f.project, params, f.page, f.limit)
			if err != nil {
				return err
			}

			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("encoding response: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.project, "project", "", "project id (required)")
	fl.IntVar(&f.page, "page", 1, "page number, starting at 1")
	fl.IntVar(&f.limit, "limit", 0, "page size (default LENS_DEFAULT_PAGE_LIMIT)")
	fl.StringVar(&f.name, "name", "", "observation name")
	fl.StringVar(&f.userID, "user-id", "", "user id of the owning trace")
	fl.StringVar(&f.obsType, "type", "", "observation type, e.g. GENERATION")
	fl.StringVar(&f.traceID, "trace-id", "", "trace id")
	fl.StringVar(&f.parentObservationID, "parent-observation-id", "", "parent observation id")
	fl.StringVar(&f.version, "version", "", "observation version")
	fl.StringVar(&f.from, "from", "", "start time lower bound, inclusive (RFC 3339)")
	fl.StringVar(&f.to, "to", "", "start time upper bound, exclusive (RFC 3339)")
	_ = cmd.MarkFlagRequired("project")

	return cmd
}

// params converts the flags into filter parameters.
func (f observationsFlags) params() (query.Params, error) {
	if f.project == "" {
		return query.Params{}, errors.New("--project is required")
	}

	p := query.Params{
		Name:                f.name,
		UserID:              f.userID,
		Type:                f.obsType,
		TraceID:             f.traceID,
		ParentObservationID: f.parentObservationID,
		Version:             f.version,
	}

	var err error
	if p.FromStartTime, err = parseTimeFlag("from", f.from); err != nil {
		return query.Params{}, err
	}
	if p.ToStartTime, err = parseTimeFlag("to", f.to); err != nil {
		return query.Params{}, err
	}
	return p, nil
}

func parseTimeFlag(name, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return &t, nil
}
