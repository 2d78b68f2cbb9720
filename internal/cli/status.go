// Copyright (c) 2026 Canonical Ltd
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"modemstatus.dev/hnap/internal/analysis"
	"modemstatus.dev/hnap/internal/config"
	"modemstatus.dev/hnap/internal/dispatch"
	"modemstatus.dev/hnap/internal/modem"
	"modemstatus.dev/hnap/internal/status"
)

// report is the JSON document printed by status.
type report struct {
	*modem.Status
	SystemTimeISO8601 string              `json:"current_system_time-ISO8601,omitempty"`
	UptimeSeconds     *int64              `json:"system_uptime-seconds,omitempty"`
	Validation        *status.Validation  `json:"_validation,omitempty"`
	Analysis          *analysis.Analysis  `json:"_error_analysis_full,omitempty"`
	QueryTimestamp    string              `json:"query_timestamp"`
	QueryHost         string              `json:"query_host"`
	ClientVersion     string              `json:"client_version"`
	Configuration     reportConfiguration `json:"configuration"`
	ElapsedTime       float64             `json:"elapsed_time"`
}

type reportConfiguration struct {
	Timeout             [2]float64 `json:"timeout"`
	MaxWorkers          int        `json:"max_workers"`
	MaxRetries          int        `json:"max_retries"`
	ConcurrentMode      bool       `json:"concurrent_mode"`
	HTTPCompatibility   bool       `json:"http_compatibility"`
	QuickCheckPerformed bool       `json:"quick_check_performed"`
}

type statusFlags struct {
	modemFlags
	debug      bool
	quiet      bool
	quickCheck bool
	validate   bool
	analysis   bool
}

func statusCmd(ctx context.Context, env *environment) *cobra.Command {
	var flags statusFlags

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Print the modem status as JSON",
		Example: "modem-status status --password <password> --serial",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(ctx, cmd, env, &flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")
	cmd.Flags().BoolVar(&flags.quiet, "quiet", false, "Suppress the summary on stderr")
	cmd.Flags().BoolVar(&flags.quickCheck, "quick-check", false, "Check TCP reachability before querying")
	cmd.Flags().BoolVar(&flags.validate, "validate", false, "Include a parsing validation report")
	cmd.Flags().BoolVar(&flags.analysis, "analysis", false, "Include the full error analysis")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, env *environment, flags *statusFlags) error {
	start := time.Now()

	cfg, err := env.load()
	if err != nil {
		return err
	}

	flags.apply(cmd, cfg)

	level := string(cfg.Observability.Logging.Level)
	if flags.debug {
		level = string(config.DebugLevel)
	}

	setupLogger(cmd.ErrOrStderr(), level)

	if err := env.resolvePassword(cfg); err != nil {
		return err
	}

	opts, err := clientOptions(cfg)
	if err != nil {
		return err
	}

	client := modem.New(cfg.Modem.Host, cfg.Modem.Password, opts...)
	defer client.Close()

	if flags.quickCheck {
		if err := client.CheckReachable(ctx, modem.DefaultReachTimeout); err != nil {
			return fmt.Errorf("modem is not reachable: %w", err)
		}

		log.Debug().Str("host", cfg.Modem.Host).Msg("Quick check passed")
	}

	s, err := client.GetStatus(ctx)
	if err != nil {
		return err
	}

	r := newReport(s, cfg, flags.quickCheck)

	if flags.validate {
		v := status.Validate(s.Snapshot)
		r.Validation = &v
	}

	if flags.analysis {
		a := client.GetErrorAnalysis()
		r.Analysis = &a
	}

	r.ElapsedTime = time.Since(start).Seconds()

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	if err := enc.Encode(r); err != nil {
		return err
	}

	if !flags.quiet {
		printSummary(cmd.ErrOrStderr(), s)
	}

	return nil
}

func newReport(s *modem.Status, cfg *config.Config, quickCheck bool) *report {
	r := &report{
		Status:         s,
		QueryTimestamp: time.Now().Format(time.RFC3339),
		QueryHost:      cfg.Modem.Host,
		ClientVersion:  version,
		Configuration: reportConfiguration{
			MaxWorkers: cfg.Client.Workers,
			MaxRetries: cfg.Client.MaxRetries,
			Timeout: [2]float64{
				cfg.Client.ConnectTimeout.Seconds(),
				cfg.Client.ReadTimeout.Seconds(),
			},
			ConcurrentMode:      s.Performance.Mode == dispatch.ModeConcurrent,
			HTTPCompatibility:   true,
			QuickCheckPerformed: quickCheck,
		},
	}

	if t, ok := s.SystemTime(); ok {
		r.SystemTimeISO8601 = t.Format("2006-01-02T15:04:05")
	}

	if d, ok := s.Uptime(); ok {
		seconds := int64(d.Seconds())
		r.UptimeSeconds = &seconds
	}

	return r
}

func printSummary(w io.Writer, s *modem.Status) {
	rule := strings.Repeat("=", 60)

	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, "ARRIS MODEM STATUS SUMMARY")
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Model: %s\n", s.ModelName)
	fmt.Fprintf(w, "Internet Status: %s\n", s.InternetStatus)
	fmt.Fprintf(w, "Connection Status: %s\n", s.ConnectionStatus)

	if s.MACAddress != status.Unknown {
		fmt.Fprintf(w, "MAC Address: %s\n", s.MACAddress)
	}

	fmt.Fprintf(w, "Downstream Channels: %d\n", len(s.Downstream))
	fmt.Fprintf(w, "Upstream Channels: %d\n", len(s.Upstream))
	fmt.Fprintf(w, "Channel Data Available: %t\n", s.ChannelDataAvailable)

	if len(s.Downstream) > 0 {
		ch := s.Downstream[0]
		fmt.Fprintf(w, "Sample Channel: ID %s, %s, %s, SNR %s\n", ch.ID, ch.Frequency, ch.Power, ch.SNR)
	}

	if e := s.Errors; e != nil {
		fmt.Fprintf(w, "Error Analysis: %d errors, %.1f%% recovery\n", e.TotalErrors, e.RecoveryRate*100)

		if e.CompatibilityIssues > 0 {
			fmt.Fprintf(w, "HTTP Compatibility Issues Handled: %d\n", e.CompatibilityIssues)
		}
	}

	fmt.Fprintln(w, rule)
}
