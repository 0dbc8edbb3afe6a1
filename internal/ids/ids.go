// Package ids generates stable, monotonically sortable identifiers for
// tasks, subtasks, worker slots, and ledger records: 128 bits made of
// a 48-bit millisecond timestamp, a 16-bit per-millisecond sequence
// counter, the same counter again, and 48 bits of randomness,
// Crockford base32 encoded so lexicographic order equals creation
// order. Correlation identifiers that need global uniqueness without
// ordering (request ids, trace ids) use google/uuid instead.
package ids

import (
	"crypto/rand"
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var (
	mu        sync.Mutex
	lastMilli int64
	lastSeq   uint16
)

// New returns a new monotonic stable identifier. Within the same
// millisecond, a sequence counter guarantees strictly increasing
// output even under concurrent callers.
func New() string {
	mu.Lock()
	ms := time.Now().UnixMilli()
	if ms == lastMilli {
		lastSeq++
	} else {
		lastMilli = ms
		lastSeq = 0
	}
	seq := lastSeq
	mu.Unlock()

	var entropy [8]byte
	_, _ = rand.Read(entropy[:])
	binary.BigEndian.PutUint16(entropy[:2], seq)

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(ms)<<16|uint64(seq))
	copy(buf[8:], entropy[:])

	return encode(buf[:])
}

func encode(b []byte) string {
	var sb strings.Builder
	sb.Grow(26)
	acc := uint64(0)
	bits := 0
	for _, c := range b {
		acc = acc<<8 | uint64(c)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(crockford[(acc>>uint(bits))&0x1F])
		}
	}
	if bits > 0 {
		sb.WriteByte(crockford[(acc<<uint(5-bits))&0x1F])
	}
	return sb.String()
}

// Correlation returns a new random UUID for request/trace correlation
// where ordering is not required.
func Correlation() string {
	return uuid.NewString()
}
