package cnm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/rambus-labs/cnm/internal/randkey"
	"github.com/rambus-labs/cnm/invariant"
	"github.com/rambus-labs/cnm/uniform"
)

var magic = [4]byte{'c', 'n', 'm', '1'}

var cborEncMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cnm: invalid canonical CBOR options: %v", err))
	}
	return mode
}()

// Write encodes m to w in the self-describing "cnm1" byte layout: magic,
// delta-encoded response widths, response values, the phase-0 hash key,
// the plan bitmask, salt bytes, per-phase block counts, then each
// phase's raw bit-packed block bytes. Header and body are built in
// memory first and handed to w in a single Write call, so an encoding
// error is reported before anything reaches w.
func (m *Map[K, V]) Write(w io.Writer) error {
	invariant.Precondition(len(m.responses) >= 1, "cnm: a map must have at least one response")

	var buf bytes.Buffer
	buf.Write(magic[:])

	logWidths := make([]byte, 0, len(m.responses)-1)
	for i := 0; i < len(m.responses)-1; i++ {
		delta := m.responses[i+1].Lo - m.responses[i].Lo
		logWidths = append(logWidths, byte(bits.LeadingZeros32(delta)+1))
	}
	if err := writeUvarint(&buf, uint64(len(logWidths))); err != nil {
		return err
	}
	buf.Write(logWidths)

	enc := cborEncMode.NewEncoder(&buf)
	for _, r := range m.responses {
		if err := enc.Encode(r.Value); err != nil {
			return fmt.Errorf("cnm: encode response value: %w", err)
		}
	}

	var hashKey randkey.Key
	if len(m.cores) > 0 {
		hashKey = m.cores[0].HashKey
	}
	buf.Write(hashKey[:])

	var planBytes [4]byte
	binary.LittleEndian.PutUint32(planBytes[:], m.plan)
	buf.Write(planBytes[:])

	buf.Write(m.salt)

	for _, c := range m.cores {
		if err := writeUvarint(&buf, uint64(c.NBlocks)); err != nil {
			return err
		}
	}
	for _, c := range m.cores {
		buf.Write(c.Blocks)
	}

	_, err := w.Write(buf.Bytes())
	return err
}

// WriteToFile creates path exclusively (failing if it already exists) and
// writes m's canonical byte form to it.
func (m *Map[K, V]) WriteToFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := m.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeUvarint(buf *bytes.Buffer, v uint64) error {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	_, err := buf.Write(tmp[:n])
	return err
}

// Read decodes a map previously written by Write, copying all bytes into
// freshly allocated, independently owned memory.
func Read[K comparable, V Value](r io.Reader) (*Map[K, V], error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	m, n, err := decode[K, V](data, false)
	if err != nil {
		return nil, err
	}
	if n < len(data) {
		return nil, ErrTrailingBytes
	}
	return m, nil
}

// ReadFromFile reads the full file at path and decodes it, failing if
// trailing bytes remain after a complete decode.
func ReadFromFile[K comparable, V Value](path string) (*Map[K, V], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read[K, V](f)
}

// DecodeBorrowed decodes a map whose phase blocks alias buf instead of
// being copied, mirroring nonuniform.rs's BorrowDecode: cheaper when buf
// outlives the returned map (e.g. a memory-mapped file), at the cost of
// keeping buf alive. Call TakeOwnership to detach from buf later.
func DecodeBorrowed[K comparable, V Value](buf []byte) (*Map[K, V], error) {
	m, n, err := decode[K, V](buf, true)
	if err != nil {
		return nil, err
	}
	if n < len(buf) {
		return nil, ErrTrailingBytes
	}
	return m, nil
}

// TakeOwnership copies every phase's block bytes into freshly allocated,
// independently owned memory, detaching a map produced by DecodeBorrowed
// from its buffer. The copy is made whether or not the blocks alias a
// caller-supplied buffer.
func (m *Map[K, V]) TakeOwnership() {
	for _, c := range m.cores {
		owned := make([]byte, len(c.Blocks))
		copy(owned, c.Blocks)
		c.Blocks = owned
	}
}

// decode parses the "cnm1" byte layout out of data, returning the number
// of bytes consumed. When borrow is true, phase block slices alias data
// instead of being copied.
func decode[K comparable, V Value](data []byte, borrow bool) (*Map[K, V], int, error) {
	pos := 0
	need := func(n int) error {
		if pos+n > len(data) {
			return fmt.Errorf("cnm: %w: truncated input", io.ErrUnexpectedEOF)
		}
		return nil
	}

	if err := need(4); err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(data[pos:pos+4], magic[:]) {
		return nil, 0, ErrBadMagic
	}
	pos += 4

	nLogWidths, nRead := binary.Uvarint(data[pos:])
	if nRead <= 0 {
		return nil, 0, fmt.Errorf("cnm: %w: invalid log_widths length", io.ErrUnexpectedEOF)
	}
	pos += nRead

	if nLogWidths > uint64(len(data)-pos) {
		return nil, 0, fmt.Errorf("cnm: %w: truncated input", io.ErrUnexpectedEOF)
	}
	logWidths := data[pos : pos+int(nLogWidths)]
	pos += int(nLogWidths)

	nResponses := int(nLogWidths) + 1
	rest := data[pos:]

	responses := make([]responseEntry[V], nResponses)
	var total locator
	for i := 0; i < nResponses; i++ {
		var v V
		var derr error
		rest, derr = cbor.UnmarshalFirst(rest, &v)
		if derr != nil {
			return nil, 0, fmt.Errorf("cnm: decode response value %d: %w", i, derr)
		}
		if i < len(logWidths) {
			logr := logWidths[i]
			if logr == 0 || logr > 32 {
				return nil, 0, ErrInvalidLogWidth
			}
			w := locator(1) << (32 - logr)
			responses[i] = responseEntry[V]{Lo: total, Value: v}
			newTotal := total + w
			if newTotal < total {
				return nil, 0, ErrResponseOverflow
			}
			total = newTotal
		} else {
			responses[i] = responseEntry[V]{Lo: total, Value: v}
		}
	}
	pos = len(data) - len(rest)

	if err := need(16); err != nil {
		return nil, 0, err
	}
	var hashKey randkey.Key
	copy(hashKey[:], data[pos:pos+16])
	pos += 16

	if err := need(4); err != nil {
		return nil, 0, err
	}
	plan := binary.LittleEndian.Uint32(data[pos : pos+4])
	pos += 4

	nphases := bits.OnesCount32(plan)
	saltLen := nphases
	if saltLen > 0 {
		saltLen--
	}
	if err := need(saltLen); err != nil {
		return nil, 0, err
	}
	salt := make([]byte, saltLen)
	copy(salt, data[pos:pos+saltLen])
	pos += saltLen

	nblocksPerPhase := make([]uint32, nphases)
	for phase := 0; phase < nphases; phase++ {
		nb, nr := binary.Uvarint(data[pos:])
		if nr <= 0 {
			return nil, 0, fmt.Errorf("cnm: %w: invalid nblocks varint", io.ErrUnexpectedEOF)
		}
		pos += nr
		if nb < 2 || nb%3 != 0 || nb > 1<<32-1 {
			return nil, 0, ErrBadBlockCount
		}
		nblocksPerPhase[phase] = uint32(nb)
	}

	cores := make([]*uniform.Core, nphases)
	hashCur := hashKey
	curPlan := plan
	for phase := 0; phase < nphases; phase++ {
		nextPlan := curPlan & (curPlan - 1)
		bpv := bits.TrailingZeros32(nextPlan) - bits.TrailingZeros32(curPlan)
		curPlan = nextPlan

		nblocks := nblocksPerPhase[phase]
		blockLen64 := uint64(nblocks) * uniform.BlockSize * uint64(bpv)
		blockLenBytes := (blockLen64 + 7) / 8
		if blockLen64/uint64(nblocks) != uniform.BlockSize*uint64(bpv) {
			return nil, 0, ErrBlockSizeOverflow
		}
		if err := need(int(blockLenBytes)); err != nil {
			return nil, 0, err
		}

		var blockBytes []byte
		if borrow {
			blockBytes = data[pos : pos+int(blockLenBytes)]
		} else {
			blockBytes = append([]byte(nil), data[pos:pos+int(blockLenBytes)]...)
		}
		pos += int(blockLenBytes)

		cores[phase] = &uniform.Core{
			HashKey:      hashCur,
			BitsPerValue: uint8(bpv),
			NBlocks:      nblocks,
			Blocks:       blockBytes,
		}

		if phase < len(salt) {
			next, derr := randkey.Derive(hashCur, salt[phase])
			if derr != nil {
				return nil, 0, fmt.Errorf("cnm: derive phase %d hash key: %w", phase, derr)
			}
			hashCur = next
		}
	}

	return &Map[K, V]{
		plan:      plan,
		responses: responses,
		salt:      salt,
		cores:     cores,
	}, pos, nil
}
