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
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"modemstatus.dev/hnap/internal/config"
)

func initCmd(_ context.Context, env *environment) *cobra.Command {
	var (
		opts  config.Options
		force bool
	)

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Write a configuration file",
		Example: "modem-status init --password - < password.txt",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(cmd.ErrOrStderr(), string(config.InfoLevel))

			if opts.Password == "-" {
				password, err := readSecret(env.input())
				if err != nil {
					return fmt.Errorf("failed to read password from stdin: %w", err)
				}

				opts.Password = password
			}

			if opts.Password == "" {
				return errors.New("--password (-p) must be specified")
			}

			path := env.path()

			exists, err := afero.Exists(env.fs, path)
			if err != nil {
				return err
			}

			if exists && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			cfg, err := config.Generate(env.fs, path, opts)
			if err != nil {
				return err
			}

			log.Info().Str("path", path).Str("host", cfg.Modem.Host).Msg("Configuration written")

			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", config.DefaultHost, "Modem hostname or IP address")
	cmd.Flags().IntVar(&opts.Port, "port", config.DefaultPort, "HTTPS port of the modem")
	cmd.Flags().StringVar(&opts.Username, "username", config.DefaultUsername, "Modem login username")
	cmd.Flags().StringVarP(&opts.Password, "password", "p", "",
		"Modem login password (use '-' to read from stdin)")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "SHA-256 fingerprint of the modem certificate")
	cmd.Flags().StringVar(&opts.MetricsListen, "listen", config.DefaultMetricsListen, "Address of the metrics endpoint")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	return cmd
}

// readSecret reads the first line of r.
func readSecret(r io.Reader) (string, error) {
	input, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	secret, _, _ := strings.Cut(string(input), "\n")

	return strings.TrimSpace(secret), nil
}
