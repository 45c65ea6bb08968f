package digest

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
	"github.com/imjasonh/stmtdigest/pkg/intern"
)

// HashSize is the width of a statement fingerprint in bytes.
const HashSize = 16

// Key identifies one digest row: the statement shape plus the context it ran in.
// Keys are compared byte for byte and are usable as map keys.
type Key struct {
	Hash     [HashSize]byte
	SchemaID intern.ID
	UserID   intern.ID
	ClientID [HashSize]byte
}

// IsZero reports whether the key carries no fingerprint.
func (k Key) IsZero() bool {
	return k.Hash == [HashSize]byte{}
}

// String returns the hex fingerprint.
func (k Key) String() string {
	return hex.EncodeToString(k.Hash[:])
}

// sum64 hashes the whole key for shard selection.
func (k *Key) sum64() uint64 {
	var buf [2*HashSize + 8]byte
	copy(buf[0:HashSize], k.Hash[:])
	binary.LittleEndian.PutUint32(buf[HashSize:], uint32(k.SchemaID))
	binary.LittleEndian.PutUint32(buf[HashSize+4:], uint32(k.UserID))
	copy(buf[HashSize+8:], k.ClientID[:])
	return xxhash.Sum64(buf[:])
}
