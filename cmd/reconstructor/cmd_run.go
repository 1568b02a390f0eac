// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/reconstructor/peer"
	"storj.io/reconstructor/private/process"
	"storj.io/reconstructor/reconstructor"
	"storj.io/reconstructor/reconstructor/retrydb"
	"storj.io/reconstructor/ring"
)

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx(cmd)
	defer cancel()

	log, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	holder, err := ring.LoadHolder(runCfg.Node.Ring)
	if err != nil {
		return err
	}
	stores, err := openStores(log, holder.Ring(), runCfg.Node)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	stats, err := reconstructor.NewStats(registry)
	if err != nil {
		return err
	}

	var retries *retrydb.DB
	if runCfg.RetryDB != "" {
		retries, err = retrydb.Open(log.Named("retrydb"), runCfg.RetryDB, retrydb.Backoff{
			Initial: runCfg.Reconstructor.RetryBackoff,
			Max:     runCfg.Reconstructor.MaxRetryBackoff,
		})
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, retries.Close()) }()
	}

	node := peer.NewNode(log.Named("node"), holder.Version, stores...)
	client := peer.NewRouted(runCfg.Node.Address, node,
		peer.NewHTTPClient(log.Named("client"), runCfg.Client, holder.Version))

	service := reconstructor.NewService(log.Named("reconstructor"), runCfg.Reconstructor,
		holder, runCfg.Node.Address, stores, client, retries, stats)

	scope := reconstructor.Scope{
		Devices:  runCfg.Node.Devices,
		Servers:  runCfg.Servers,
		Policies: runCfg.Policies,
		Once:     runCfg.Once,
	}

	group, ctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(ctx)
	if runCfg.Metrics != "" {
		listener, err := net.Listen("tcp", runCfg.Metrics)
		if err != nil {
			stop()
			return errs.Wrap(err)
		}
		server := &http.Server{
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		group.Go(func() error {
			<-runCtx.Done()
			return server.Close()
		})
		group.Go(func() error {
			if err := server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		log.Info("serving metrics", zap.Stringer("address", listener.Addr()))
	}

	if !scope.Once {
		hangup := make(chan os.Signal, 1)
		signal.Notify(hangup, syscall.SIGHUP)
		defer signal.Stop(hangup)
		group.Go(func() error {
			for {
				select {
				case <-runCtx.Done():
					return nil
				case <-hangup:
					log.Info("starting pass on hangup")
					service.Trigger()
				}
			}
		})
	}

	var report reconstructor.Report
	group.Go(func() error {
		defer stop()
		var err error
		report, err = service.Run(runCtx, scope)
		return err
	})
	err = group.Wait()

	log.Info("reconstructor finished", zap.Stringer("report", report))
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
