// Package cnm implements a compressed, nonuniform static map: a
// space-efficient, read-only map from a known set of keys to values drawn
// from a small alphabet. It does not store the keys — querying a key
// outside the original set returns an arbitrary value from that alphabet
// — and for any distribution of values it uses close to the Shannon
// entropy of that distribution plus the space for the distinct values
// themselves.
//
// Construction formulates a "plan": value frequencies are turned into
// power-of-two-ish shares of a 32-bit locator space, tiled with at most
// one non-power-of-two interval (the "odd man out"), then solved
// phase by phase via the uniform package's perfect-hash collaborator.
// Querying narrows that locator space bit by bit, using a
// response table lookup to recognize as soon as the narrowed range
// resolves to a single value.
package cnm

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/rambus-labs/cnm/internal/bitset"
	"github.com/rambus-labs/cnm/internal/randkey"
	"github.com/rambus-labs/cnm/invariant"
	"github.com/rambus-labs/cnm/uniform"
)

// Map is a compressed, queryable map from K to V built by Build.
type Map[K comparable, V Value] struct {
	plan      locator
	responses []responseEntry[V]
	salt      []byte
	cores     []*uniform.Core
}

// stagedItem is one key staged for its resolving phase's uniform build,
// carrying the full locator interval's high endpoint it must hash toward.
type stagedItem[K comparable] struct {
	key K
	hi  locator
}

// Build constructs a compressed map answering Query(k) == items[k] for
// every k in items, and an arbitrary value in V's alphabet for any other
// key. items must be non-empty.
func Build[K comparable, V Value](items map[K]V, opts *Options[V]) (*Map[K, V], error) {
	if opts == nil {
		opts = &Options[V]{}
	}

	counts := make(map[V]uint64, len(items))
	for _, v := range items {
		counts[v]++
	}

	if len(counts) == 0 {
		return nil, ErrEmptyInput
	}
	if len(counts) == 1 {
		var only V
		for v := range counts {
			only = v
		}
		return &Map[K, V]{responses: []responseEntry[V]{{Lo: 0, Value: only}}}, nil
	}

	plan, valueIndex, intervals, responses := formulatePlan(counts, opts.Less)
	nphases := bits.OnesCount32(plan)

	phaseBits := decomposePhaseBits(plan, nphases)

	loOmo := locator(0)
	oddManOut := -1
	phaseOmo := -1
	minPhaseAffectingOmo := -1
	var nOmo uint64
	phaseToResolve := make([]int, len(intervals))
	phaseItemCounts := make([]uint64, nphases)

	for i, iv := range intervals {
		width := iv.hi - iv.lo + 1
		if width&(width-1) != 0 {
			oddManOut = i
			nOmo = iv.count
			loOmo = iv.lo
			phaseToResolve[i] = -1
			for phase := 0; phase < nphases; phase++ {
				if phaseBits[phase]&width != 0 {
					phaseOmo = phase
					if minPhaseAffectingOmo == -1 || phase < minPhaseAffectingOmo {
						minPhaseAffectingOmo = phase
					}
				}
			}
		} else {
			for phase := 0; phase < nphases; phase++ {
				if phaseBits[phase]&width != 0 {
					phaseToResolve[i] = phase
					phaseItemCounts[phase] += iv.count
					break
				}
			}
		}
	}

	phaseOffsets := make([]uint64, nphases)
	cumulativeEnd := make([]uint64, nphases)
	total := nOmo
	for phase := 0; phase < nphases; phase++ {
		phaseOffsets[phase] = total
		total += phaseItemCounts[phase]
		cumulativeEnd[phase] = total
	}

	valuesByPhase := make([]stagedItem[K], total)
	cursor := append([]uint64(nil), phaseOffsets...)
	omoOffset := uint64(0)
	for k, v := range items {
		vi := valueIndex[v]
		hi := intervals[vi].hi
		if vi == oddManOut {
			valuesByPhase[omoOffset] = stagedItem[K]{key: k, hi: hi}
			omoOffset++
		} else {
			ph := phaseToResolve[vi]
			valuesByPhase[cursor[ph]] = stagedItem[K]{key: k, hi: hi}
			cursor[ph]++
		}
	}

	var parentKey randkey.Key
	if opts.KeySeed != nil {
		parentKey = *opts.KeySeed
	} else {
		var err error
		parentKey, err = randkey.Random()
		if err != nil {
			return nil, fmt.Errorf("cnm: generate initial hash key: %w", err)
		}
	}

	maxTries := opts.MaxTries
	if maxTries <= 0 {
		maxTries = defaultMaxTries
	}
	triesUsed := 0

	care := bitset.New(int(total))
	currentValues := make([]locator, nOmo)
	salt := make([]byte, 0, nphases)
	cores := make([]*uniform.Core, 0, nphases)

	for phase := 0; phase < nphases; phase++ {
		bitsThisPhase := phaseBits[phase]
		phaseShift := uint8(bits.TrailingZeros32(bitsThisPhase))
		phaseNbits := uint8(bits.OnesCount32(bitsThisPhase))

		var thisParent randkey.Key
		if phase == 0 {
			thisParent = parentKey
		} else {
			thisParent = cores[phase-1].HashKey
		}

		care.Clear()
		care.UnionWithRange(int(omoOffset), int(cumulativeEnd[phase]))
		if oddManOut != -1 {
			if phase == phaseOmo {
				for i := uint64(0); i < omoOffset; i++ {
					if currentValues[i] < loOmo {
						care.Insert(int(i))
					}
				}
			} else if phase > phaseOmo {
				care.UnionWithRange(0, int(omoOffset))
			}
		}

		remaining := maxTries - triesUsed
		if remaining > 255 {
			remaining = 255
		}
		if remaining <= 0 {
			return nil, ErrRetryExhausted
		}

		phaseItems := make([]uniform.Item[K], 0, total)
		care.All()(func(i int) bool {
			st := valuesByPhase[i]
			phaseItems = append(phaseItems, uniform.Item[K]{Key: st.key, Value: st.hi >> phaseShift})
			return true
		})

		phaseOpts := &uniform.Options{
			ParentKey:    thisParent,
			MaxTries:     remaining,
			MaxThreads:   opts.MaxThreads,
			BitsPerValue: phaseNbits,
		}
		core, err := uniform.Build(phaseItems, phaseOpts)
		if err != nil {
			if errors.Is(err, uniform.ErrRetryExhausted) {
				err = fmt.Errorf("%w: %w", ErrRetryExhausted, err)
			}
			return nil, fmt.Errorf("cnm: build phase %d: %w", phase, err)
		}
		// TryNum is the zero-based index of the winning attempt.
		triesUsed += phaseOpts.TryNum + 1
		salt = append(salt, byte(phaseOpts.TryNum))

		if phase >= minPhaseAffectingOmo && phase < phaseOmo {
			for i := uint64(0); i < omoOffset; i++ {
				st := valuesByPhase[i]
				currentValues[i] |= uniform.Query(core, st.key) << phaseShift
			}
		}
		cores = append(cores, core)
	}

	opts.TryNum = triesUsed
	if nphases > 0 {
		salt = salt[1:]
	}

	return &Map[K, V]{
		plan:      plan,
		responses: responses,
		salt:      salt,
		cores:     cores,
	}, nil
}

// decomposePhaseBits splits plan into the set of locator-space bit
// positions each phase is responsible for: a 1 bit in plan starts a new
// phase, and the 0 bits following it belong to that same phase.
func decomposePhaseBits(plan locator, nphases int) []locator {
	phaseBits := make([]locator, 0, nphases)
	planTmp := plan
	for planTmp != 0 {
		planTmp2 := planTmp & (planTmp - 1)
		beforePlan := (planTmp - 1) &^ planTmp
		beforePlan2 := (planTmp2 - 1) &^ planTmp2
		phaseBits = append(phaseBits, beforePlan2&^beforePlan)
		planTmp = planTmp2
	}
	return phaseBits
}

// Query returns the value associated with key, or an arbitrary value from
// V's alphabet if key was not part of the set Build was given.
func (m *Map[K, V]) Query(key K) V {
	nphases := len(m.cores)
	if m.plan == 0 {
		return m.responses[0].Value
	}

	var loc locator
	plan := m.plan
	knownMask := (plan - 1) &^ plan

	// The upper bits are the most informative, but in most cases the
	// second-highest phase has more bits than the highest one, so it is
	// usually faster to check it first.
	if nphases >= 2 {
		h1 := highBit(plan)
		plan ^= 1 << h1
		h2 := highBit(plan)
		thisPhase := uniform.Query(m.cores[nphases-2], key)
		knownMask |= (locator(1) << h1) - (locator(1) << h2)
		loc |= thisPhase << h2
		if v, ok := m.bsearch(loc, loc|^knownMask); ok {
			return v
		}
	}

	plan = m.plan
	for phase := nphases - 1; phase >= 0; phase-- {
		h := highBit(plan)
		plan ^= 1 << h
		if phase+2 != nphases {
			thisPhase := uniform.Query(m.cores[phase], key)
			loc |= thisPhase << h
			knownMask |= -(locator(1) << h)
			if v, ok := m.bsearch(loc, loc|^knownMask); ok {
				return v
			}
		}
	}

	invariant.Invariant(false, "cnm: map was built incorrectly; no phase produced a response")
	panic("unreachable")
}

// bsearch finds the response interval containing [low, high], returning
// its value only if that single interval fully covers the range (i.e.
// the range is still ambiguous between at most one response).
func (m *Map[K, V]) bsearch(low, high locator) (V, bool) {
	idx := sort.Search(len(m.responses), func(i int) bool { return m.responses[i].Lo > low }) - 1
	if idx == len(m.responses)-1 || m.responses[idx+1].Lo > high {
		return m.responses[idx].Value, true
	}
	var zero V
	return zero, false
}
