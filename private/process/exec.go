// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package process

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// EnvPrefix is the prefix of environment variables that override flags.
const EnvPrefix = "RECONSTRUCTOR"

// Viper returns a viper instance bound to the command flags, environment
// and, when configFile is not empty, the config file.
func Viper(cmd *cobra.Command, configFile string) (*viper.Viper, error) {
	vip := viper.New()
	if err := vip.BindPFlags(cmd.Flags()); err != nil {
		return nil, Error.Wrap(err)
	}

	vip.SetEnvPrefix(EnvPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	vip.AutomaticEnv()

	if configFile != "" {
		vip.SetConfigFile(configFile)
		if err := vip.ReadInConfig(); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return vip, nil
}

// Bind loads the environment and configFile through Viper and applies the
// values to every flag that wasn't set on the command line.
func Bind(cmd *cobra.Command, configFile string) error {
	vip, err := Viper(cmd, configFile)
	if err != nil {
		return err
	}

	var group errs.Group
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || !vip.IsSet(flag.Name) {
			return
		}
		value := vip.Get(flag.Name)
		if values, ok := value.([]interface{}); ok {
			for _, v := range values {
				group.Add(flag.Value.Set(fmt.Sprint(v)))
			}
			return
		}
		group.Add(flag.Value.Set(vip.GetString(flag.Name)))
	})
	return Error.Wrap(group.Err())
}

// Ctx returns a context that is canceled on SIGINT or SIGTERM.
func Ctx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// Exec runs a cobra command and exits the process on failure.
func Exec(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
