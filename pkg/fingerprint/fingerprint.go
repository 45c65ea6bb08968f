package fingerprint

import (
	"encoding/binary"
	"sort"

	"github.com/zeebo/xxh3"
)

// Size is the width of a digest in bytes.
const Size = 16

// Compute hashes normalized statement text. Empty text hashes to the zero
// digest, which the digest cache never tracks.
func Compute(normalized string) [Size]byte {
	var out [Size]byte
	if normalized == "" {
		return out
	}
	putUint128(&out, xxh3.HashString128(normalized))
	return out
}

// Of normalizes sql and returns the normalized text with its digest.
func Of(sql string) (string, [Size]byte) {
	normalized := Normalize(sql)
	return normalized, Compute(normalized)
}

// ClientID hashes connection attributes into a client identity. The result
// does not depend on map iteration order. No attributes yields the zero id.
func ClientID(attrs map[string]string) [Size]byte {
	var out [Size]byte
	if len(attrs) == 0 {
		return out
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := xxh3.New()
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(attrs[k])
		_, _ = h.Write([]byte{0})
	}
	putUint128(&out, h.Sum128())
	return out
}

func putUint128(out *[Size]byte, u xxh3.Uint128) {
	binary.BigEndian.PutUint64(out[0:8], u.Hi)
	binary.BigEndian.PutUint64(out[8:16], u.Lo)
}
