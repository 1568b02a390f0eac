// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/private/process"
	"storj.io/reconstructor/reconstructor"
	"storj.io/reconstructor/ring"
)

// NodeFlags describe the server the command runs on.
type NodeFlags struct {
	Ring    string
	Address string
	Root    string
	Devices []string
}

// BindFlags registers the node flags.
func (flags *NodeFlags) BindFlags(set *pflag.FlagSet) {
	set.StringVar(&flags.Ring, "ring", "/etc/reconstructor/ring.yaml", "path of the ring file")
	set.StringVar(&flags.Address, "node", "", "address of this server as listed in the ring")
	set.StringVar(&flags.Root, "devices-root", "/srv/node", "directory holding the device directories")
	set.StringSliceVar(&flags.Devices, "devices", nil, "only use these devices, all local devices when empty")
}

var (
	rootCmd = &cobra.Command{
		Use:           "reconstructor",
		Short:         "Erasure coded fragment reconstructor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Rebuild missing, stale and corrupt fragment archives",
		RunE:  cmdRun,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the fragment archives of the local devices to peers",
		RunE:  cmdServe,
	}
	partnersCmd = &cobra.Command{
		Use:   "partners <object>",
		Short: "Show the primary nodes of an object and their sync targets",
		Args:  cobra.ExactArgs(1),
		RunE:  cmdPartners,
	}

	configFile string
	logCfg     process.LogConfig

	runCfg struct {
		Node          NodeFlags
		Reconstructor reconstructor.Config
		Client        peer.ClientConfig
		Once          bool
		Servers       []int
		Policies      []int
		RetryDB       string
		Metrics       string
	}
	serveCfg struct {
		Node       NodeFlags
		Server     peer.ServerConfig
		RingReload time.Duration
	}
	partnersCfg struct {
		Ring string
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path of a yaml config file")
	logCfg.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(partnersCmd)

	runFlags := runCmd.Flags()
	runCfg.Node.BindFlags(runFlags)
	runCfg.Reconstructor.BindFlags(runFlags)
	runFlags.DurationVar(&runCfg.Client.Timeout, "client.timeout", 10*time.Second, "timeout of a single peer call")
	runFlags.IntVar(&runCfg.Client.Retries, "client.retries", 2, "number of retries of idempotent peer calls on transport errors")
	runFlags.DurationVar(&runCfg.Client.RetryBackoff, "client.retry-backoff", 100*time.Millisecond, "initial delay between retries")
	runFlags.BoolVar(&runCfg.Once, "once", false, "run a single pass and exit")
	runFlags.IntSliceVar(&runCfg.Servers, "servers", nil, "only process devices of these server numbers")
	runFlags.IntSliceVar(&runCfg.Policies, "policies", nil, "only process these policy indexes")
	runFlags.StringVar(&runCfg.RetryDB, "retry-db", "", "path of the database tracking deferred jobs, disabled when empty")
	runFlags.StringVar(&runCfg.Metrics, "metrics.address", "", "address to serve prometheus metrics on, disabled when empty")

	serveFlags := serveCmd.Flags()
	serveCfg.Node.BindFlags(serveFlags)
	serveFlags.StringVar(&serveCfg.Server.Address, "server.address", "127.0.0.1:6200", "address to listen on for peer requests")
	serveFlags.DurationVar(&serveCfg.Server.ShutdownTimeout, "server.shutdown-timeout", 10*time.Second, "time to wait for in-flight requests on shutdown")
	serveFlags.DurationVar(&serveCfg.RingReload, "ring-reload", 15*time.Second, "how frequently the ring file is checked for changes, SIGHUP checks immediately")

	partnersCmd.Flags().StringVar(&partnersCfg.Ring, "ring", "/etc/reconstructor/ring.yaml", "path of the ring file")

	for _, cmd := range []*cobra.Command{runCmd, serveCmd, partnersCmd} {
		cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
			return process.Bind(cmd, configFile)
		}
	}
}

func main() {
	process.Exec(rootCmd)
}

func newLogger() (*zap.Logger, error) {
	log, err := process.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(log)
	return log, nil
}

// openStores opens the devices of the ring that belong to this server.
func openStores(log *zap.Logger, r *ring.Ring, flags NodeFlags) ([]*fragstore.Store, error) {
	if flags.Address == "" {
		return nil, errs.New("--node is required")
	}

	selected := map[string]bool{}
	for _, name := range flags.Devices {
		selected[name] = true
	}

	var stores []*fragstore.Store
	for _, device := range r.Devices() {
		if device.Node != flags.Address {
			continue
		}
		if len(selected) > 0 && !selected[device.Name] {
			continue
		}
		store := fragstore.NewAt(log.Named(device.Name), filepath.Join(flags.Root, device.Name))
		if err := store.Dir().Available(); err != nil {
			log.Warn("device unavailable", zap.String("device", device.Name), zap.Error(err))
		}
		stores = append(stores, store)
	}
	if len(stores) == 0 {
		return nil, errs.New("no devices of %q in the ring", flags.Address)
	}
	return stores, nil
}
