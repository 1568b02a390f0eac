// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"storj.io/reconstructor/fragstore"
	"storj.io/reconstructor/ring"
)

func cmdPartners(cmd *cobra.Command, args []string) error {
	r, err := ring.Load(partnersCfg.Ring)
	if err != nil {
		return err
	}

	object := args[0]
	partition := r.Partition(object)
	nodes, err := r.Nodes(partition)
	if err != nil {
		return err
	}
	policy := r.Policy()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "object %s\npolicy %d (%s %d+%d)\npartition %s\nhash %s\n\n",
		object, policy.Index, policy.Type, policy.DataFragments, policy.ParityFragments,
		partition, fragstore.ObjectHash(object))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INDEX\tDEVICE\tNODE\tPARTNERS\tSYNC ORDER")
	for _, node := range nodes {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			node.Index, node.Name, node.Node,
			joinIndexes(ring.PartnerNodes(nodes, node.Index)),
			joinIndexes(ring.SyncTargets(nodes, node.Index)))
	}
	return w.Flush()
}

func joinIndexes(devices []ring.Device) string {
	parts := make([]string, 0, len(devices))
	for _, device := range devices {
		parts = append(parts, strconv.Itoa(device.Index))
	}
	return strings.Join(parts, ",")
}
