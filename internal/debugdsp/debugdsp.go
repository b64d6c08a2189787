// Package debugdsp accumulates rendered samples into named digest slots so
// tests can assert that two runs produced bit-identical audio.
package debugdsp

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// MaxSlots is the number of digest slots.
const MaxSlots = 8

var (
	active atomic.Bool
	slots  [MaxSlots]slot
)

// Each slot is written by the render goroutine of the units feeding it and
// read by tests after rendering, so its lock is uncontended while rendering.
type slot struct {
	mu      sync.Mutex
	h       hash.Hash
	scratch [1024]byte
	count   int
}

func (s *slot) reset() {
	s.mu.Lock()
	s.h = nil
	s.count = 0
	s.mu.Unlock()
}

// SetActive turns accumulation on or off. Turning it on clears all slots.
func SetActive(on bool) {
	if on {
		Reset()
	}
	active.Store(on)
}

// Active reports whether Update records samples.
func Active() bool { return active.Load() }

// Reset clears every slot.
func Reset() {
	for i := range slots {
		slots[i].reset()
	}
}

// Update feeds one sample into slot. It does nothing while inactive or for
// slots outside [0, MaxSlots).
func Update(index int, v float32) {
	UpdateBlock(index, []float32{v})
}

// UpdateBlock feeds a block of samples into slot. The digest is the same as
// feeding them one at a time.
func UpdateBlock(index int, block []float32) {
	if !active.Load() || index < 0 || index >= MaxSlots || len(block) == 0 {
		return
	}
	s := &slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		s.h = sha256.New()
	}
	for len(block) > 0 {
		n := min(len(block), len(s.scratch)/4)
		for i, v := range block[:n] {
			binary.LittleEndian.PutUint32(s.scratch[4*i:], math.Float32bits(v))
		}
		s.h.Write(s.scratch[:4*n])
		s.count += n
		block = block[n:]
	}
}

// Digest returns the hex digest of everything fed into slot so far, or ""
// if the slot is empty.
func Digest(index int) string {
	if index < 0 || index >= MaxSlots {
		return ""
	}
	s := &slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h == nil {
		return ""
	}
	return hex.EncodeToString(s.h.Sum(nil))
}

// Samples returns how many values slot has absorbed.
func Samples(index int) int {
	if index < 0 || index >= MaxSlots {
		return 0
	}
	s := &slots[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Check reports whether slot's digest matches expected, ignoring case.
func Check(index int, expected string) bool {
	got := Digest(index)
	return got != "" && strings.EqualFold(got, strings.TrimSpace(expected))
}
