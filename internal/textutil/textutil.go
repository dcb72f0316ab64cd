// Package textutil holds the small text-formatting helpers every
// higher-level package reaches for: a bounded hex/ASCII dumper for
// verbose/debug logging, and SHA-1 hex digest formatting.
//
// Grounded on _examples/original_source/util.cpp's Util::dumper and
// Util::sha1_hash_to_text, reimplemented with stdlib encoding/hex
// instead of the original's hand-rolled boost::format loop.
package textutil

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// dumperMaxBytes bounds how much of a buffer Dump renders, matching
// Util::dumper's `ix < 96` cutoff.
const dumperMaxBytes = 96

// Dump renders id and the first dumperMaxBytes of text as a quoted,
// printable-ASCII string with non-printable bytes escaped as "[xx]" hex
// pairs, e.g. Dump("data", []byte("ab\x01")) -> `data[3]: "ab[01]"`.
func Dump(id string, data []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]: \"", id, len(data))

	n := len(data)
	if n > dumperMaxBytes {
		n = dumperMaxBytes
	}

	for _, c := range data[:n] {
		if c >= ' ' && c <= '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "[%02x]", c)
		}
	}

	b.WriteByte('"')
	return b.String()
}

// SHA1Hex hex-encodes an already-computed SHA-1 digest, matching
// Util::sha1_hash_to_text's signature exactly: it formats a digest a
// caller already produced (typically incrementally, via crypto/sha1's
// hash.Hash, while streaming sectors), it does not hash data itself.
func SHA1Hex(digest []byte) string {
	return hex.EncodeToString(digest)
}
