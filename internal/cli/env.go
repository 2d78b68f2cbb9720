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
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"modemstatus.dev/hnap/internal/config"
	"modemstatus.dev/hnap/internal/dispatch"
	"modemstatus.dev/hnap/internal/modem"
	"modemstatus.dev/hnap/internal/transport"
)

const (
	envConfigHint     = config.EnvPath
	defaultConfigHint = config.DefaultPath
)

// environment is shared by all subcommands.
type environment struct {
	fs         afero.Fs
	stdin      io.Reader
	configPath *string
}

func (e *environment) path() string {
	return config.Path(*e.configPath)
}

func (e *environment) input() io.Reader {
	if e.stdin != nil {
		return e.stdin
	}

	return os.Stdin
}

// load reads the config file. A missing file at the default location is not
// an error, flags alone are enough to reach a modem.
func (e *environment) load() (*config.Config, error) {
	path := e.path()

	cfg, err := config.Load(e.fs, path)
	if err == nil {
		return cfg, nil
	}

	if *e.configPath == "" && os.Getenv(config.EnvPath) == "" && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}

	return nil, err
}

// modemFlags are the connection flags shared by status and serve.
type modemFlags struct {
	host     string
	username string
	password string
	port     int
	workers  int
	retries  int
	timeout  time.Duration
	serial   bool
}

func (f *modemFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.host, "host", config.DefaultHost, "Modem hostname or IP address")
	cmd.Flags().IntVar(&f.port, "port", config.DefaultPort, "HTTPS port of the modem")
	cmd.Flags().StringVar(&f.username, "username", config.DefaultUsername, "Modem login username")
	cmd.Flags().StringVar(&f.password, "password", "", "Modem login password (use '-' to read from stdin)")
	cmd.Flags().IntVar(&f.workers, "workers", dispatch.DefaultWorkers, "Number of concurrent workers")
	cmd.Flags().IntVar(&f.retries, "retries", dispatch.DefaultMaxRetries, "Maximum retry attempts")
	cmd.Flags().DurationVar(&f.timeout, "timeout", transport.DefaultReadTimeout, "Read timeout of a single request")
	cmd.Flags().BoolVar(&f.serial, "serial", false, "Send requests one at a time for maximum compatibility")
}

// apply overrides cfg with the flags set on the command line.
func (f *modemFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("host") {
		cfg.Modem.Host = f.host
	}

	if changed("port") {
		cfg.Modem.Port = f.port
	}

	if changed("username") {
		cfg.Modem.Username = f.username
	}

	if changed("password") {
		cfg.Modem.Password = f.password
	}

	if changed("workers") {
		cfg.Client.Workers = f.workers
	}

	if changed("retries") {
		cfg.Client.MaxRetries = f.retries
	}

	if changed("timeout") {
		cfg.Client.ReadTimeout = f.timeout
	}

	if f.serial {
		cfg.Client.Mode = string(dispatch.ModeSerial)
	}
}

func (e *environment) resolvePassword(cfg *config.Config) error {
	if cfg.Modem.Password == "-" {
		password, err := readSecret(e.input())
		if err != nil {
			return fmt.Errorf("failed to read password from stdin: %w", err)
		}

		cfg.Modem.Password = password
	}

	if cfg.Modem.Password == "" {
		return errors.New("--password must be specified")
	}

	return nil
}

// clientOptions maps cfg to modem client options.
func clientOptions(cfg *config.Config) ([]modem.Option, error) {
	mode, err := dispatch.ParseMode(cfg.Client.Mode)
	if err != nil {
		return nil, err
	}

	return []modem.Option{
		modem.WithPort(cfg.Modem.Port),
		modem.WithUsername(cfg.Modem.Username),
		modem.WithMode(mode),
		modem.WithFingerprint(cfg.Modem.TLS.Fingerprint),
		modem.WithCaptureErrors(cfg.Client.CaptureErrors),
		modem.WithMaxResponseSize(cfg.Client.MaxResponseSize.Bytes),
		modem.WithDispatchOptions(
			dispatch.WithWorkers(cfg.Client.Workers),
			dispatch.WithMaxRetries(cfg.Client.MaxRetries),
			dispatch.WithBackoff(cfg.Client.BaseBackoff, dispatch.DefaultMaxBackoff),
			dispatch.WithTimeouts(transport.Timeouts{
				Connect: cfg.Client.ConnectTimeout,
				Read:    cfg.Client.ReadTimeout,
			}),
			dispatch.WithBatchTimeout(cfg.Client.BatchTimeout),
			dispatch.WithSerialPause(cfg.Client.SerialPause),
		),
	}, nil
}
