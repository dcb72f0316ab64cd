package envelope

import "encoding/binary"

// rawCompleteMSS is the initial TCP MSS used as an upper size bound for a
// non-framed reply that hasn't yet seen its terminating '\n'.
const rawCompleteMSS = 1460

// rawCompleteSafetyNet is an additional upper bound accepted to unblock
// oversized raw replies. Its origin is unclear (likely a safety net against
// a peer that never sends '\n'); retained for compatibility, not removed
// (spec.md §9 Open Question).
const rawCompleteSafetyNet = 4096

// Complete reports whether buf holds a fully-received reply: either a
// framed envelope whose header parses with matching sentinels and whose
// declared Length has fully arrived, or — for the non-framed case — a
// buffer ending in '\n' that is shorter than the initial TCP MSS, or
// (the safety net above) longer than rawCompleteSafetyNet bytes.
//
// This predicate gates every Decapsulate call in the exchange engine: a
// partial packet is never decapsulated (spec.md §5).
func Complete(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}

	if len(buf) < HeaderSize {
		return buf[len(buf)-1] == '\n'
	}

	if buf[offSOH] == soh && binary.LittleEndian.Uint16(buf[offID:]) == magicID {
		length := binary.LittleEndian.Uint16(buf[offLength:])
		return len(buf) >= int(length)
	}

	return (buf[len(buf)-1] == '\n' && len(buf) < rawCompleteMSS) || len(buf) > rawCompleteSafetyNet
}
