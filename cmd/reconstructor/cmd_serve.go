// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/private/process"
	"storj.io/reconstructor/private/sync2"
	"storj.io/reconstructor/ring"
)

func cmdServe(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	holder, err := ring.LoadHolder(serveCfg.Node.Ring)
	if err != nil {
		return err
	}
	stores, err := openStores(log, holder.Ring(), serveCfg.Node)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", serveCfg.Server.Address)
	if err != nil {
		return errs.Wrap(err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	node := peer.NewNode(log.Named("node"), holder.Version, stores...)
	server := peer.NewServer(log.Named("server"), listener, node, registry)
	server.SetShutdownTimeout(serveCfg.Server.ShutdownTimeout)

	reload := sync2.NewCycle(serveCfg.RingReload)
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return reload.Run(ctx, func(ctx context.Context) error {
			changed, err := holder.Reload()
			switch {
			case err != nil:
				log.Warn("ring reload failed", zap.Error(err))
			case changed:
				log.Info("ring reloaded", zap.Uint64("version", holder.Version()))
			}
			return nil
		})
	})
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hangup:
				reload.TriggerWait()
			}
		}
	})
	group.Go(func() error {
		log.Info("serving devices",
			zap.String("address", server.Addr()),
			zap.Strings("devices", node.Devices()))
		return server.Run(ctx)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
