// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package ring

// Partners returns the fragment indexes adjacent to index in a ring of total
// fragments: the previous and the next position, wrapping around.
//
// The result never contains index itself and has at most two entries.
func Partners(index, total int) []int {
	if total <= 1 || index < 0 || index >= total {
		return nil
	}
	left := (index - 1 + total) % total
	right := (index + 1) % total
	if left == right {
		return []int{left}
	}
	return []int{left, right}
}

// PartnerNodes returns the partner devices of the node holding index.
func PartnerNodes(nodes []Device, index int) []Device {
	var partners []Device
	for _, partner := range Partners(index, len(nodes)) {
		partners = append(partners, nodes[partner])
	}
	return partners
}

// SyncTargets returns the devices a holder of index should sync with:
// its partners first and then every other node in list order. The tail is
// used as alternates when a partner cannot be reached.
func SyncTargets(nodes []Device, index int) []Device {
	partners := PartnerNodes(nodes, index)
	targets := make([]Device, 0, len(nodes)-1)
	targets = append(targets, partners...)

	isPartner := make(map[int]bool, len(partners))
	for _, partner := range partners {
		isPartner[partner.Index] = true
	}
	for _, node := range nodes {
		if node.Index == index || isPartner[node.Index] {
			continue
		}
		targets = append(targets, node)
	}
	return targets
}
