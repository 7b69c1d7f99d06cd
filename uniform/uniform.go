// Package uniform implements the static-function collaborator that the
// nonuniform map calls once per phase: given a set of keys each assigned
// a small, fixed-width value, build a structure that answers Query(key)
// with that value in O(1) without storing the keys.
//
// Construction hashes each key to three slots, one in each third of the
// block space, and requires the XOR of those three slots to equal the
// key's value. The resulting linear system is solved by hypergraph
// peeling: repeatedly find a slot touched by exactly one unsolved key,
// dedicate that slot to the key, and remove the key from the graph. At
// roughly 1.3 slots per key peeling succeeds with high probability; on
// the rare cyclic failure the whole build retries under a freshly
// derived candidate key. The winning candidate becomes the result's
// HashKey, so a query needs only HashKey, NBlocks and Blocks to
// reproduce the same placement.
package uniform

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/rambus-labs/cnm/internal/randkey"
	"github.com/rambus-labs/cnm/invariant"
)

// BlockSize is the number of slots per block. Blocks exist only as the
// serialized format's sizing unit; slot positions are drawn from the
// whole block space, one per third of it.
const BlockSize = 64

// Item is one (key, value) pair fed to Build. Only the low BitsPerValue
// bits of Value are meaningful; higher bits are ignored.
type Item[K any] struct {
	Key   K
	Value uint32
}

// Options configures a single phase's build. ParentKey seeds the
// candidate-key search: candidate i is randkey.Derive(ParentKey, byte(i)),
// so the winning attempt's index is exactly the salt byte the orchestrator
// needs to reproduce this phase's HashKey from the previous phase's.
type Options struct {
	ParentKey    randkey.Key
	MaxTries     int
	MaxThreads   int
	BitsPerValue uint8

	// TryNum is set by Build to the winning attempt index on success.
	TryNum int
}

// Core is the serializable result of Build: everything Query needs, and
// everything the nonuniform codec writes to a phase's bytes.
type Core struct {
	HashKey      randkey.Key
	BitsPerValue uint8
	NBlocks      uint32
	Blocks       []byte
}

// buildItem is an Item with its key already canonically encoded. Items
// are sorted by key bytes before peeling so the peel order, and hence
// the packed block bytes, do not depend on the caller's item order.
type buildItem struct {
	keyBytes []byte
	value    uint32
}

// Build solves the three-slot XOR system for every item. It returns
// ErrRetryExhausted if no candidate key among Options.MaxTries attempts
// produced a peelable placement (duplicate keys never peel).
func Build[K any](items []Item[K], opts *Options) (*Core, error) {
	invariant.Precondition(opts != nil, "uniform.Build: opts must not be nil")
	invariant.Precondition(opts.BitsPerValue >= 1 && opts.BitsPerValue <= 32,
		"uniform.Build: bits_per_value must be in [1,32], got %d", opts.BitsPerValue)
	invariant.Precondition(opts.MaxTries > 0, "uniform.Build: max_tries must be positive")

	nblocks := blockCountFor(len(items))

	if len(items) == 0 {
		key, err := randkey.Derive(opts.ParentKey, 0)
		if err != nil {
			return nil, fmt.Errorf("uniform: derive key for empty phase: %w", err)
		}
		opts.TryNum = 0
		return &Core{
			HashKey:      key,
			BitsPerValue: opts.BitsPerValue,
			NBlocks:      nblocks,
			Blocks:       make([]byte, blockBytes(nblocks, opts.BitsPerValue)),
		}, nil
	}

	sorted := make([]buildItem, len(items))
	for i, it := range items {
		sorted[i] = buildItem{keyBytes: randkey.Bytes(it.Key), value: it.Value}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].keyBytes, sorted[j].keyBytes) < 0
	})

	threads := opts.MaxThreads
	if threads < 1 {
		threads = 1
	}
	if threads > opts.MaxTries {
		threads = opts.MaxTries
	}

	type winner struct {
		attempt int
		key     randkey.Key
		blocks  []byte
	}

	var (
		mu   sync.Mutex
		best *winner
		wg   sync.WaitGroup
		work = make(chan int)
	)

	wg.Add(threads)
	for w := 0; w < threads; w++ {
		go func() {
			defer wg.Done()
			for attempt := range work {
				candidate, err := randkey.Derive(opts.ParentKey, byte(attempt))
				if err != nil {
					continue
				}
				blocks := tryBuild(candidate, sorted, nblocks, opts.BitsPerValue)
				if blocks == nil {
					continue
				}
				mu.Lock()
				if best == nil || attempt < best.attempt {
					best = &winner{attempt: attempt, key: candidate, blocks: blocks}
				}
				mu.Unlock()
			}
		}()
	}

	for attempt := 0; attempt < opts.MaxTries; attempt++ {
		mu.Lock()
		stop := best != nil
		mu.Unlock()
		if stop {
			break
		}
		work <- attempt
	}
	close(work)
	wg.Wait()

	if best == nil {
		return nil, ErrRetryExhausted
	}

	opts.TryNum = best.attempt
	return &Core{
		HashKey:      best.key,
		BitsPerValue: opts.BitsPerValue,
		NBlocks:      nblocks,
		Blocks:       best.blocks,
	}, nil
}

// Query returns the value assigned to key, or an arbitrary value in
// [0, 2^BitsPerValue) if key was never given to Build — the caller (the
// nonuniform map's phase orchestrator) is responsible for disambiguating
// with its own key set.
func Query[K any](c *Core, key K) uint32 {
	invariant.NotNil(c, "core")
	pos := randkey.Positions(c.HashKey, randkey.Bytes(key), c.NBlocks, BlockSize)
	var v uint32
	for _, s := range pos {
		v ^= readBits(c.Blocks, int(s)*int(c.BitsPerValue), c.BitsPerValue)
	}
	return v
}

// tryBuild attempts one full placement under candidate: peel the
// three-slot hypergraph, then assign slot bits in reverse peel order so
// every key's three slots XOR to its value. Returns nil if peeling gets
// stuck (a cyclic subgraph, or duplicate keys).
func tryBuild(candidate randkey.Key, sorted []buildItem, nblocks uint32, bitsPerValue uint8) []byte {
	nslots := int(nblocks) * BlockSize

	pos := make([][3]uint32, len(sorted))
	deg := make([]int32, nslots)
	xorKey := make([]uint32, nslots)
	for i, it := range sorted {
		p := randkey.Positions(candidate, it.keyBytes, nblocks, BlockSize)
		pos[i] = p
		for _, s := range p {
			deg[s]++
			xorKey[s] ^= uint32(i)
		}
	}

	// FIFO over slots currently touched by exactly one unsolved key.
	// Seeded in ascending slot order, so the peel (and the bytes it
	// produces) is deterministic for a given candidate and item set.
	queue := make([]int, 0, len(sorted))
	for s := 0; s < nslots; s++ {
		if deg[s] == 1 {
			queue = append(queue, s)
		}
	}

	order := make([]uint32, 0, len(sorted))
	freeSlot := make([]uint32, 0, len(sorted))
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if deg[s] != 1 {
			continue
		}
		k := xorKey[s]
		order = append(order, k)
		freeSlot = append(freeSlot, uint32(s))
		for _, ps := range pos[k] {
			deg[ps]--
			xorKey[ps] ^= k
			if deg[ps] == 1 {
				queue = append(queue, int(ps))
			}
		}
	}
	if len(order) != len(sorted) {
		return nil
	}

	buf := make([]byte, blockBytes(nblocks, bitsPerValue))
	mask := uint32(1)<<bitsPerValue - 1
	for i := len(order) - 1; i >= 0; i-- {
		k, s := order[i], freeSlot[i]
		v := sorted[k].value & mask
		for _, ps := range pos[k] {
			if ps != s {
				v ^= readBits(buf, int(ps)*int(bitsPerValue), bitsPerValue)
			}
		}
		writeBits(buf, int(s)*int(bitsPerValue), bitsPerValue, v)
	}
	return buf
}

func blockBytes(nblocks uint32, bitsPerValue uint8) int {
	totalBits := int(nblocks) * BlockSize * int(bitsPerValue)
	return (totalBits + 7) / 8
}

// blockCountFor sizes the slot space at roughly 1.3 slots per key, the
// usual margin above the ~1.23 peelability threshold for three-slot
// systems, rounded up to a multiple of three blocks so each slot
// position can be drawn from its own third of the space.
func blockCountFor(n int) uint32 {
	slotsNeeded := (n*13 + 9) / 10
	segBlocks := (slotsNeeded + 3*BlockSize - 1) / (3 * BlockSize)
	if segBlocks < 1 {
		segBlocks = 1
	}
	return uint32(3 * segBlocks)
}
