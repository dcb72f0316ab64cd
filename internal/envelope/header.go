// Package envelope implements the binary packet envelope exchanged with
// the target device: its bit-exact header layout, MD5-truncated checksum,
// transaction IDs, optional out-of-band (OOB) payload region, and the
// "raw" fallback format used when the peer does not frame its reply.
//
// Grounded on internal/bfd/packet.go's Marshal/Unmarshal split (this
// module's device header is little-endian on the wire, unlike BFD's
// big-endian RFC 5880 header — the asymmetry is intentional, see
// SPEC_FULL.md §3).
package envelope

import "encoding/binary"

// Wire-format sentinels shared with the target firmware. These mirror the
// packet_header_soh / packet_header_id / packet_header_version constants
// co-maintained with firmware in the original implementation's ota.h.
const (
	soh     uint8  = 0xa5
	magicID uint16 = 0x4553 // "ES"
	version uint8  = 1
)

// HeaderSize is the fixed framed-envelope header size in bytes.
//
// Field layout (all little-endian except checksum, see below), offsets:
//
//	soh               u8   0
//	version           u8   1
//	id                u16  2
//	length            u16  4
//	data_offset       u16  6
//	data_pad_offset   u16  8
//	oob_data_offset   u16  10
//	broadcast_groups  u16  12
//	flags             u16  14
//	transaction_id    u32  16
//	checksum          u32  20  (big-endian)
//
// The checksum is carried as the last 4 bytes of the header; spec.md's
// two reserved spare bytes have no slot of their own and share bytes
// 20-21 with the checksum, which keeps HeaderSize at a clean 24 bytes.
// This is the one Open Question SPEC_FULL.md resolves beyond
// the three already flagged in spec.md §9 (H is left "implementation-
// fixed" there).
const HeaderSize = 24

const (
	offSOH             = 0
	offVersion         = 1
	offID              = 2
	offLength          = 4
	offDataOffset      = 6
	offDataPadOffset   = 8
	offOOBDataOffset   = 10
	offBroadcastGroups = 12
	offFlags           = 14
	offTransactionID   = 16
	offReserved        = 20
	offChecksum        = 20 // overlaps reserved; see note below
)

// Flag bits within the header's flags field.
const (
	flagMD5Provided uint16 = 1 << 0
	flagMD5Requested       = 1 << 1
	flagTxIDProvided       = 1 << 2
)

// md5HashSize is the full MD5 digest length; only its first 4 bytes are
// used for the wire checksum (MD5-32, big-endian).
const md5HashSize = 16

// Header is the decoded fixed-size framed envelope header.
//
// NOTE: the checksum field physically occupies the header's last 4 bytes
// (offset 20-23), overlapping where a naive reading of spec.md's field
// list would place "spare_0, spare_1". Those two reserved bytes are
// folded into bytes 20-21 of the checksum-sized slot when the checksum is
// absent (provide_checksum=false): in that case bytes 20-23 are simply
// zero, matching "reserved, zero on send".
type Header struct {
	SOH             uint8
	Version         uint8
	ID              uint16
	Length          uint16
	DataOffset      uint16
	DataPadOffset   uint16
	OOBDataOffset   uint16
	BroadcastGroups uint16
	Flags           uint16
	TransactionID   uint32
	Checksum        uint32
}

// MD5Provided reports whether the md5_32_provided flag bit is set.
func (h Header) MD5Provided() bool { return h.Flags&flagMD5Provided != 0 }

// MD5Requested reports whether the md5_32_requested flag bit is set.
func (h Header) MD5Requested() bool { return h.Flags&flagMD5Requested != 0 }

// TransactionIDProvided reports whether the transaction_id_provided flag
// bit is set.
func (h Header) TransactionIDProvided() bool { return h.Flags&flagTxIDProvided != 0 }

// encodeHeader serializes h into the first HeaderSize bytes of buf.
// buf must be at least HeaderSize bytes.
func encodeHeader(h *Header, buf []byte) {
	buf[offSOH] = h.SOH
	buf[offVersion] = h.Version
	binary.LittleEndian.PutUint16(buf[offID:], h.ID)
	binary.LittleEndian.PutUint16(buf[offLength:], h.Length)
	binary.LittleEndian.PutUint16(buf[offDataOffset:], h.DataOffset)
	binary.LittleEndian.PutUint16(buf[offDataPadOffset:], h.DataPadOffset)
	binary.LittleEndian.PutUint16(buf[offOOBDataOffset:], h.OOBDataOffset)
	binary.LittleEndian.PutUint16(buf[offBroadcastGroups:], h.BroadcastGroups)
	binary.LittleEndian.PutUint16(buf[offFlags:], h.Flags)
	binary.LittleEndian.PutUint32(buf[offTransactionID:], h.TransactionID)
	// checksum is big-endian (MD5-32 asymmetry, spec.md §9), written last
	// so callers can zero it in place before computing the digest.
	binary.BigEndian.PutUint32(buf[offChecksum:], h.Checksum)
}

// decodeHeader parses the first HeaderSize bytes of buf into h.
// buf must be at least HeaderSize bytes; callers check this first.
func decodeHeader(buf []byte, h *Header) {
	h.SOH = buf[offSOH]
	h.Version = buf[offVersion]
	h.ID = binary.LittleEndian.Uint16(buf[offID:])
	h.Length = binary.LittleEndian.Uint16(buf[offLength:])
	h.DataOffset = binary.LittleEndian.Uint16(buf[offDataOffset:])
	h.DataPadOffset = binary.LittleEndian.Uint16(buf[offDataPadOffset:])
	h.OOBDataOffset = binary.LittleEndian.Uint16(buf[offOOBDataOffset:])
	h.BroadcastGroups = binary.LittleEndian.Uint16(buf[offBroadcastGroups:])
	h.Flags = binary.LittleEndian.Uint16(buf[offFlags:])
	h.TransactionID = binary.LittleEndian.Uint32(buf[offTransactionID:])
	h.Checksum = binary.BigEndian.Uint32(buf[offChecksum:])
}

// zeroChecksum clears the checksum field in an already-encoded buffer, in
// place, for the purpose of computing the MD5-32 over the envelope.
func zeroChecksum(buf []byte) {
	buf[offChecksum] = 0
	buf[offChecksum+1] = 0
	buf[offChecksum+2] = 0
	buf[offChecksum+3] = 0
}
