package envelope

import (
	"bytes"
	"crypto/md5" //nolint:gosec // MD5-32 here is an integrity checksum, never a MAC (spec.md §1 Non-goals).
	"encoding/binary"
	"log/slog"

	"github.com/eriksl/espif-go/internal/textutil"
	"github.com/eriksl/espif-go/internal/xerr"
)

// Options configures how a packet is encapsulated for the wire. It
// mirrors the original implementation's per-call encapsulate() arguments,
// pulled from the caller's ExchangeConfig (spec.md §3).
type Options struct {
	// Raw selects the newline/NUL-delimited fallback format instead of
	// the framed envelope.
	Raw bool

	// ProvideChecksum sets md5_32_provided and fills Header.Checksum.
	ProvideChecksum bool

	// RequestChecksum sets the md5_32_requested flag, asking the peer to
	// checksum its reply.
	RequestChecksum bool

	// BroadcastGroupMask selects target group(s); truncated to 16 bits.
	BroadcastGroupMask uint32

	// TransactionID, if non-nil, is written into the header and the
	// transaction_id_provided flag is set.
	TransactionID *uint32
}

// Packet is the in-memory {data, oob_data} pair handed to Encapsulate, or
// produced by Decapsulate. Unlike the original's owning, mutable Packet
// object, this is a plain value — encapsulation/decapsulation are pure
// functions over byte slices (spec.md §9: "collapse to composition").
type Packet struct {
	Data []byte
	OOB  []byte
}

// Encapsulate serializes p into the wire format selected by opts.
//
// Raw format: data, with a trailing '\n' appended if absent; if OOB is
// non-empty, followed by a single NUL, zero padding to 4-byte alignment,
// then the OOB bytes.
//
// Framed format: fixed header + data + pad + oob, where pad brings the
// OOB region to 4-byte alignment. The checksum, when requested, is MD5-32
// (first 4 bytes of MD5, big-endian) computed over the envelope with the
// checksum field zeroed.
func Encapsulate(p Packet, opts Options) []byte {
	if opts.Raw {
		return encapsulateRaw(p)
	}
	return encapsulateFramed(p, opts)
}

func encapsulateRaw(p Packet) []byte {
	out := make([]byte, 0, len(p.Data)+len(p.OOB)+8)
	out = append(out, p.Data...)

	if len(out) == 0 || out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}

	if len(p.OOB) > 0 {
		out = append(out, 0)
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
		out = append(out, p.OOB...)
	}

	return out
}

func encapsulateFramed(p Packet, opts Options) []byte {
	var pad []byte
	if len(p.OOB) > 0 {
		for (len(p.Data)+len(pad))%4 != 0 {
			pad = append(pad, 0)
		}
	}

	h := Header{
		SOH:             soh,
		Version:         version,
		ID:              magicID,
		Length:          uint16(HeaderSize + len(p.Data) + len(pad) + len(p.OOB)), //nolint:gosec // bounded by sector-sized payloads
		DataOffset:      HeaderSize,
		DataPadOffset:   uint16(HeaderSize + len(p.Data)),                            //nolint:gosec
		OOBDataOffset:   uint16(HeaderSize + len(p.Data) + len(pad)),                 //nolint:gosec
		BroadcastGroups: uint16(opts.BroadcastGroupMask & 0xFFFF),                    //nolint:gosec
	}

	if opts.TransactionID != nil {
		h.Flags |= flagTxIDProvided
		h.TransactionID = *opts.TransactionID
	}

	if opts.RequestChecksum {
		h.Flags |= flagMD5Requested
	}

	out := make([]byte, HeaderSize, HeaderSize+len(p.Data)+len(pad)+len(p.OOB))
	encodeHeader(&h, out[:HeaderSize])
	out = append(out, p.Data...)
	out = append(out, pad...)
	out = append(out, p.OOB...)

	if opts.ProvideChecksum {
		h.Flags |= flagMD5Provided
		encodeHeader(&h, out[:HeaderSize]) // re-encode with md5_32_provided set
		zeroChecksum(out)
		h.Checksum = md5Trunc32(out)
		encodeHeader(&h, out[:HeaderSize])
	}

	return out
}

// md5Trunc32 returns the first 4 bytes of the MD5 digest of data,
// interpreted as a big-endian uint32 (spec.md §6 GLOSSARY: MD5-32).
func md5Trunc32(data []byte) uint32 {
	sum := md5.Sum(data) //nolint:gosec // integrity checksum, not a MAC
	return uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
}

// Decapsulated is the result of a successful Decapsulate call.
type Decapsulated struct {
	Data []byte
	OOB  []byte
	Raw  bool
}

// Decapsulate parses buf, producing the text data and OOB payload it
// carries. txID, if non-nil, is the caller's outstanding transaction id;
// a framed reply whose transaction_id_provided bit is set and whose id
// differs is rejected as a duplicate (transient).
//
// Up to two trailing CR/LF bytes are stripped from the resulting Data,
// intentionally: the target may terminate with both (spec.md §9).
//
// verbose gates diagnostic logging of a failed decapsulation (wrong
// version, checksum mismatch, duplicate transaction id, invalid OOB
// padding), matching Packet::decapsulate's verbose-gated prints.
func Decapsulate(buf []byte, txID *uint32, verbose bool) (Decapsulated, error) {
	var (
		out Decapsulated
		err error
	)

	if len(buf) < HeaderSize || !looksFramed(buf) {
		out, err = decapsulateRaw(buf, verbose)
	} else {
		out, err = decapsulateFramed(buf, txID, verbose)
	}
	if err != nil {
		return Decapsulated{}, err
	}

	out.Data = stripTrailingEOL(out.Data)

	return out, nil
}

func looksFramed(buf []byte) bool {
	return buf[offSOH] == soh && binary.LittleEndian.Uint16(buf[offID:]) == magicID
}

func decapsulateRaw(buf []byte, verbose bool) (Decapsulated, error) {
	nulOffset := bytes.IndexByte(buf, 0)
	if nulOffset < 0 {
		return Decapsulated{Data: buf, Raw: true}, nil
	}

	oobOffset := nulOffset + 1
	for oobOffset%4 != 0 {
		oobOffset++
	}

	if verbose && oobOffset >= len(buf) {
		slog.Warn("decapsulate: raw oob padding runs past buffer end", "detail", textutil.Dump("raw", buf))
	}

	data := buf[:nulOffset]
	var oob []byte
	if oobOffset < len(buf) {
		oob = buf[oobOffset:]
	}

	return Decapsulated{Data: data, OOB: oob, Raw: true}, nil
}

func decapsulateFramed(buf []byte, txID *uint32, verbose bool) (Decapsulated, error) {
	var h Header
	decodeHeader(buf, &h)

	if h.Version != version {
		if verbose {
			slog.Warn("decapsulate: wrong version packet received", "version", h.Version, "detail", textutil.Dump("frame", buf))
		}
		return Decapsulated{}, xerr.Transientf("decapsulate: wrong version packet received: %d", h.Version)
	}

	if h.MD5Provided() {
		check := make([]byte, len(buf))
		copy(check, buf)
		zeroChecksum(check)
		ours := md5Trunc32(check)
		if ours != h.Checksum {
			if verbose {
				slog.Warn("decapsulate: invalid checksum", "ours", ours, "theirs", h.Checksum, "detail", textutil.Dump("frame", buf))
			}
			return Decapsulated{}, xerr.Transientf(
				"decapsulate: invalid checksum, ours: %08x, theirs: %08x", ours, h.Checksum)
		}
	}

	if txID != nil && h.TransactionIDProvided() && h.TransactionID != *txID {
		if verbose {
			slog.Warn("decapsulate: duplicate packet", "got", h.TransactionID, "want", *txID)
		}
		return Decapsulated{}, xerr.Transientf("decapsulate: duplicate packet, transaction id %08x != %08x", h.TransactionID, *txID)
	}

	var data, oob []byte
	if int(h.OOBDataOffset) != int(h.Length) && h.OOBDataOffset%4 != 0 {
		// Invalid OOB padding: accept data, drop OOB (spec.md §4.A).
		if verbose {
			slog.Warn("decapsulate: invalid oob padding, dropping oob", "detail", textutil.Dump("frame", buf))
		}
		data = sliceWithin(buf, h.DataOffset, h.DataPadOffset)
	} else {
		oob = sliceWithin(buf, h.OOBDataOffset, uint16(len(buf))) //nolint:gosec
		data = sliceWithin(buf, h.DataOffset, h.DataPadOffset)
	}

	return Decapsulated{Data: data, OOB: oob}, nil
}

// sliceWithin returns buf[start:end], clamped to buf's bounds, so a
// malformed header can never panic the decoder.
func sliceWithin(buf []byte, start, end uint16) []byte {
	s, e := int(start), int(end)
	if s < 0 || s > len(buf) {
		s = len(buf)
	}
	if e < s || e > len(buf) {
		e = len(buf)
	}
	return buf[s:e]
}

// stripTrailingEOL removes up to two trailing '\n'/'\r' bytes from data.
func stripTrailingEOL(data []byte) []byte {
	for range 2 {
		if n := len(data); n > 0 && (data[n-1] == '\n' || data[n-1] == '\r') {
			data = data[:n-1]
		}
	}
	return data
}
