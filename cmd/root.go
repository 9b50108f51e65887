// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile       string
	bindErr       error
	configFileErr error
	unmarshalErr  error

	// Config is the parsed mount configuration, populated from flags and,
	// optionally, a YAML config file.
	Config mountConfig

	logLevel = new(slog.LevelVar)
)

type mountConfig struct {
	Create      bool   `mapstructure:"create"`
	Capacity    int64  `mapstructure:"capacity"`
	ReadOnly    bool   `mapstructure:"read-only"`
	Uid         int    `mapstructure:"uid"`
	Gid         int    `mapstructure:"gid"`
	FileMode    uint32 `mapstructure:"file-mode"`
	DirMode     uint32 `mapstructure:"dir-mode"`
	Foreground  bool   `mapstructure:"foreground"`
	LogSeverity string `mapstructure:"log-severity"`
	MetricsAddr string `mapstructure:"metrics-addr"`
}

var rootCmd = &cobra.Command{
	Use:   "containerfuse [flags] container-path mount-point",
	Short: "Mount a single-file container filesystem over FUSE",
	Long: `containerfuse mounts a container file — a block-based, POSIX-like
directory tree packed into a single host file — at mount-point via FUSE.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if bindErr != nil {
			return bindErr
		}
		if configFileErr != nil {
			return configFileErr
		}
		if unmarshalErr != nil {
			return unmarshalErr
		}
		if err := validateConfig(); err != nil {
			return err
		}
		setLogSeverity(Config.LogSeverity)
		return runMount(cmd.Context(), args[0], args[1])
	},
}

func validateConfig() error {
	if Config.Capacity < 0 {
		return fmt.Errorf("capacity must be non-negative, got %d", Config.Capacity)
	}
	switch Config.LogSeverity {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log-severity %q", Config.LogSeverity)
	}
	return nil
}

func setLogSeverity(sev string) {
	switch sev {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}
}

// Execute runs the root command, exiting the process on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config-file", "", "path to a YAML file overriding these flags")
	flags.Bool("create", false, "create the container before mounting if it doesn't exist")
	flags.Int64("capacity", 0, "capacity in bytes for a newly created container (default: 1 MiB)")
	flags.Bool("read-only", false, "mount the filesystem read-only")
	flags.Int("uid", -1, "uid to report as owner of every inode (default: mounting user)")
	flags.Int("gid", -1, "gid to report as owner of every inode (default: mounting user)")
	flags.Uint32("file-mode", 0o644, "parsed but not applied: new regular files take the permission bits of the create request")
	flags.Uint32("dir-mode", 0o755, "parsed but not applied: new directories take the permission bits of the mkdir request")
	flags.Bool("foreground", false, "stay in the foreground instead of daemonizing after mounting")
	flags.String("log-severity", "info", "one of debug, info, warn, error")
	flags.String("metrics-addr", "", "address to serve Prometheus metrics on (empty disables it)")

	bindErr = viper.BindPFlags(flags)
}

func initConfig() {
	if cfgFile == "" {
		unmarshalErr = viper.Unmarshal(&Config)
		return
	}
	viper.SetConfigFile(cfgFile)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		configFileErr = fmt.Errorf("reading config file: %w", err)
		return
	}
	unmarshalErr = viper.Unmarshal(&Config)
}
