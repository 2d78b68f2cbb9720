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
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// version is set at build time.
var version = "dev"

// RootCmd returns the modem-status command tree.
func RootCmd(ctx context.Context) *cobra.Command {
	return rootCmd(ctx, afero.NewOsFs(), nil)
}

func rootCmd(ctx context.Context, fs afero.Fs, stdin io.Reader) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "modem-status",
		Short: "Query Arris cable modem status over HNAP",
		// Silence because we want to use our logger instead
		SilenceErrors:     true,
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		Version:           version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().BoolP("help", "h", false,
		"Help information about a command")
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (default $"+envConfigHint+" or "+defaultConfigHint+")")

	env := &environment{fs: fs, stdin: stdin, configPath: &configPath}

	cmd.AddCommand(statusCmd(ctx, env))
	cmd.AddCommand(serveCmd(ctx, env))
	cmd.AddCommand(initCmd(ctx, env))

	cmd.InitDefaultHelpCmd()

	return cmd
}
