package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazard-metrics/riskatlas/internal/geo"
)

var (
	geoloadStates []string
	geoloadYear   int
)

var geoloadCmd = &cobra.Command{
	Use:   "geoload",
	Short: "Load TIGER/Line census tract boundaries for one or more states",
	Long: `Downloads the Census Bureau TIGER/Line tract shapefile for each state,
encodes each tract polygon as EWKB, and upserts the boundaries into the
store keyed by GEOID. Downloads share one rate limiter.

Examples:
  riskatlas geoload --state 48 --year 2024
  riskatlas geoload --state 48 --state 22
  riskatlas geoload --state 48,22,06`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		year := geoloadYear
		if year == 0 {
			year = cfg.Geo.Year
		}

		n, err := geo.LoadTracts(ctx, st, geo.LoadOptions{
			States:         geoloadStates,
			Year:           year,
			TempDir:        cfg.Geo.TempDir,
			BaseURL:        cfg.Geo.BaseURL,
			RequestsPerSec: cfg.Geo.RequestsPerSec,
		})
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Loaded %d tract boundaries for state(s) %s.\n", n, strings.Join(geoloadStates, ", "))
		return nil
	},
}

func init() {
	geoloadCmd.Flags().StringSliceVar(&geoloadStates, "state", nil, "two-digit state FIPS code (repeatable, e.g. 48,22)")
	geoloadCmd.Flags().IntVar(&geoloadYear, "year", 0, "TIGER/Line vintage (default from config)")
	_ = geoloadCmd.MarkFlagRequired("state")
	rootCmd.AddCommand(geoloadCmd)
}
