// Package crc provides the byte-order and checksum helpers shared by every
// on-disk structure in the ext4 core: little/big-endian access plus the
// three checksum flavors the format actually uses (CRC16 for pre-metadata
// checksum block group descriptors, CRC32 for the JBD2 v1 "CHECKSUM"
// compat feature, and CRC32C for everything metadata-checksum related).
package crc

import (
	"encoding/binary"
	"hash/crc32"
)

// castagnoli is the table for the CRC32C (Castagnoli) polynomial used
// throughout ext4 metadata checksumming.
var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ieee is the table for the plain CRC32 used by the JBD2 v1 checksum feature.
var ieee = crc32.MakeTable(crc32.IEEE)

// crc16Table is the standard CRC-16 (poly 0xA001, reflected) table used by
// ext2/3/4 block group descriptor checksums before metadata_csum existed.
var crc16Table = buildCRC16Table()

func buildCRC16Table() [256]uint16 {
	const poly16 = 0xA001
	var t [256]uint16
	for i := 0; i < 256; i++ {
		crc := uint16(i)
		for b := 0; b < 8; b++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly16
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}

// CRC32CInit is the seed every CRC32C computation in this library starts
// from, per the on-disk format (§4.A).
const CRC32CInit uint32 = 0xFFFFFFFF

// CRC32C computes a one-shot CRC32C over b, starting from CRC32CInit.
func CRC32C(b []byte) uint32 {
	return CRC32CUpdate(CRC32CInit, b)
}

// CRC32CUpdate folds b into a running CRC32C computation seeded by crc.
// ext4's on-disk metadata_csum checksums are the *raw* CRC register: the
// real kernel driver's chksum_update never calls the crypto shash's
// _final step, so no complement is ever applied at the end of a chain —
// only once, implicitly, at the very start (crc == CRC32CInit ==
// 0xFFFFFFFF). crc32.Update's own convention instead treats its crc
// parameter/return as an already-fully-complemented "visible" value, so
// this wraps it to expose the raw-register convention ext4 expects:
// un-complement on the way in, re-complement on the way out, for every
// call in the chain. Used to checksum structures built up from multiple
// discontiguous byte ranges (uuid, then group number, then descriptor body).
func CRC32CUpdate(crc uint32, b []byte) uint32 {
	return ^crc32.Update(^crc, castagnoli, b)
}

// CRC32CUpdateU32 folds a little-endian-encoded uint32 into a running
// CRC32C computation; block group numbers and inode generations are
// checksummed this way rather than via their final on-disk byte layout.
func CRC32CUpdateU32(crc uint32, n uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], n)
	return CRC32CUpdate(crc, buf[:])
}

// CRC32CUpdateU64 folds a little-endian-encoded uint64 into a running
// CRC32C computation (64-bit inode numbers, 64-bit generations).
func CRC32CUpdateU64(crc uint32, n uint64) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return CRC32CUpdate(crc, buf[:])
}

// CRC32 computes the plain (IEEE) CRC32 used by the JBD2 v1 "CHECKSUM"
// compat feature's running checksum over a transaction's data blocks.
func CRC32(seed uint32, b []byte) uint32 {
	return crc32.Update(seed, ieee, b)
}

// CRC16 computes the legacy CRC16 used for block group descriptor
// checksums before the metadata_csum feature existed. Seeded at 0xFFFF
// per the e2fsprogs convention.
func CRC16(b []byte) uint16 {
	return CRC16Update(0xFFFF, b)
}

// CRC16Update folds b into a running CRC16 computation seeded by crc.
func CRC16Update(crc uint16, b []byte) uint16 {
	for _, c := range b {
		crc = (crc >> 8) ^ crc16Table[(crc^uint16(c))&0xff]
	}
	return crc
}
