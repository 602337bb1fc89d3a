// Package shard splits a collected unit set into disjoint partitions before
// execution and merges the per-shard run reports back into one.
package shard

import (
	"fmt"

	"github.com/testherd/testherd/types"
)

// Partition splits units into shardTotal disjoint, deterministic shards.
// Units are taken in declaration order and assigned round-robin, so the same
// unit set and shardTotal always produce the same assignment. Serial groups
// are indivisible: a group occupies one slot at the position of its first
// member and lands wholly on one shard. shardTotal may exceed the unit
// count; the surplus shards simply come out empty.
func Partition(units []types.TestUnit, shardTotal int) ([]types.Shard, error) {
	if shardTotal < 1 {
		return nil, fmt.Errorf("shard total must be at least 1, got %d", shardTotal)
	}
	if err := checkUniqueIDs(units); err != nil {
		return nil, err
	}

	shards := make([]types.Shard, shardTotal)
	for i := range shards {
		shards[i].Index = i
		shards[i].Total = shardTotal
	}

	for i, block := range collectBlocks(units) {
		s := &shards[i%shardTotal]
		s.UnitIDs = append(s.UnitIDs, block...)
	}
	return shards, nil
}

// Select filters the full unit set down to the units assigned to one shard,
// preserving declaration order.
func Select(units []types.TestUnit, s types.Shard) []types.TestUnit {
	assigned := make(map[string]bool, len(s.UnitIDs))
	for _, id := range s.UnitIDs {
		assigned[id] = true
	}

	var out []types.TestUnit
	for _, u := range units {
		if assigned[u.ID] {
			out = append(out, u)
		}
	}
	return out
}

// collectBlocks folds the unit list into indivisible blocks: each
// independent unit is its own block, and each serial group is one block at
// the position of its first member.
func collectBlocks(units []types.TestUnit) [][]string {
	var blocks [][]string
	groupIndex := make(map[string]int)

	for _, u := range units {
		if u.GroupID == "" {
			blocks = append(blocks, []string{u.ID})
			continue
		}
		if idx, ok := groupIndex[u.GroupID]; ok {
			blocks[idx] = append(blocks[idx], u.ID)
			continue
		}
		groupIndex[u.GroupID] = len(blocks)
		blocks = append(blocks, []string{u.ID})
	}
	return blocks
}

func checkUniqueIDs(units []types.TestUnit) error {
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		if seen[u.ID] {
			return fmt.Errorf("duplicate unit id %q in unit set", u.ID)
		}
		seen[u.ID] = true
	}
	return nil
}
