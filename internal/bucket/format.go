package bucket

import "encoding/binary"

// Version identifies a bucket file's on-disk record format.
type Version uint8

const (
	// VersionLegacy files have no file header and {key, len, value} records.
	VersionLegacy Version = 0

	// Version1 files have a 16-byte file header and {key, len, parity,
	// value} records.
	Version1 Version = 1

	// CurrentVersion is written for every newly created bucket file.
	CurrentVersion = Version1

	// MaxSupportedVersion is the highest Version this implementation can
	// read or write. A file header declaring a higher version is rejected.
	MaxSupportedVersion = Version1
)

const (
	// Magic is the 8-byte marker following the version field in a
	// versioned (>=1) file header. Its absence (or a non-matching read of
	// the first HeaderSize bytes) means the file is legacy.
	Magic = "DLSBUCKT"

	// HeaderSize is the fixed size of the versioned file header:
	// version (8 bytes, little-endian) + magic (8 bytes).
	HeaderSize = 16

	// LegacyRecordHeaderSize is {key u64, len u64}.
	LegacyRecordHeaderSize = 16

	// V1RecordHeaderSize is {key u64, len u64, parity u8}.
	V1RecordHeaderSize = 17
)

// Header is a decoded bucket record header. Parity is only meaningful for
// Version1 records.
type Header struct {
	Key    uint64
	Len    uint64
	Parity byte
}

// EncodeFileHeader returns the 16-byte file header for the given version.
// Only ever called for Version1 (or higher, if ever supported); legacy
// files have no header to encode.
func EncodeFileHeader(version Version) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(version))
	copy(buf[8:16], Magic)
	return buf
}

// DecodeFileHeader reads version + magic from the first HeaderSize bytes of
// buf. ok is false if the magic doesn't match (the file is legacy, or too
// short to have ever had a header).
func DecodeFileHeader(buf []byte) (version Version, ok bool) {
	if len(buf) < HeaderSize || string(buf[8:16]) != Magic {
		return 0, false
	}
	return Version(binary.LittleEndian.Uint64(buf[0:8])), true
}

// ComputeParity returns the horizontal parity byte for a V1 record header:
// the XOR of the key and len bytes (little-endian), chosen so that XOR of
// the full 17-byte header (including the parity byte itself) is zero.
func ComputeParity(key, length uint64) byte {
	var hdr [16]byte
	binary.LittleEndian.PutUint64(hdr[0:8], key)
	binary.LittleEndian.PutUint64(hdr[8:16], length)

	var x byte
	for _, b := range hdr {
		x ^= b
	}
	return x
}

// VerifyParity reports whether parity is the correct horizontal parity for
// (key, length): equivalently, that XOR of all 17 header bytes is zero.
func VerifyParity(key, length uint64, parity byte) bool {
	return ComputeParity(key, length) == parity
}

// recordHeaderSize returns the on-disk header size for the given version.
func recordHeaderSize(v Version) int {
	if v == VersionLegacy {
		return LegacyRecordHeaderSize
	}
	return V1RecordHeaderSize
}

// decodeRecordHeader decodes a record header of the given version from buf
// (which must be exactly recordHeaderSize(v) bytes). ok is false (V1 only)
// when parity verification fails.
func decodeRecordHeader(v Version, buf []byte) (hdr Header, ok bool) {
	hdr.Key = binary.LittleEndian.Uint64(buf[0:8])
	hdr.Len = binary.LittleEndian.Uint64(buf[8:16])

	if v == VersionLegacy {
		return hdr, true
	}

	hdr.Parity = buf[16]
	return hdr, VerifyParity(hdr.Key, hdr.Len, hdr.Parity)
}

// AppendRecord formats one complete record (header + value) for the given
// version and appends it to dst, so a single write never cuts a record at
// a flush boundary.
func AppendRecord(dst []byte, v Version, key uint64, value []byte) []byte {
	if v == VersionLegacy {
		var hdr [LegacyRecordHeaderSize]byte
		binary.LittleEndian.PutUint64(hdr[0:8], key)
		binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(value)))
		dst = append(dst, hdr[:]...)
		return append(dst, value...)
	}

	var hdr [V1RecordHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:8], key)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(value)))
	hdr[16] = ComputeParity(key, uint64(len(value)))
	dst = append(dst, hdr[:]...)
	return append(dst, value...)
}
