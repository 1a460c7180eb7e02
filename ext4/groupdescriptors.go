package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/embedfs/ext4fs/crc"
)

type blockGroupFlag uint16
type gdtChecksumType uint8

const (
	groupDescriptorSize                    int             = 32
	groupDescriptorSize64Bit               int             = 64
	blockGroupFlagInodesUninitialized      blockGroupFlag  = 0x1
	blockGroupFlagBlockBitmapUninitialized blockGroupFlag  = 0x2
	blockGroupFlagInodeTableZeroed         blockGroupFlag  = 0x4
	gdtChecksumNone                        gdtChecksumType = 0
	gdtChecksumGdt                         gdtChecksumType = 1
	gdtChecksumMetadata                    gdtChecksumType = 2
)

type blockGroupFlags struct {
	inodesUninitialized      bool
	blockBitmapUninitialized bool
	inodeTableZeroed         bool
}

// groupDescriptors holds every block group's descriptor record, in group
// order, as read from the Group Descriptor Table (component E).
type groupDescriptors struct {
	descriptors []groupDescriptor
}

// groupDescriptor is one block group's metadata: bitmap/inode-table
// locations, free counters, flags, and checksum.
type groupDescriptor struct {
	blockBitmapLocation             uint64
	inodeBitmapLocation             uint64
	inodeTableLocation              uint64
	freeBlocks                      uint32
	freeInodes                      uint32
	usedDirectories                 uint32
	flags                           blockGroupFlags
	snapshotExclusionBitmapLocation uint64
	blockBitmapChecksum             uint32
	inodeBitmapChecksum             uint32
	unusedInodes                    uint32
	is64bit                         bool
	number                          uint64
}

func (gd *groupDescriptors) equal(a *groupDescriptors) bool {
	if (gd == nil) != (a == nil) {
		return false
	}
	if gd == nil {
		return true
	}
	if len(gd.descriptors) != len(a.descriptors) {
		return false
	}
	for i := range gd.descriptors {
		if gd.descriptors[i] != a.descriptors[i] {
			return false
		}
	}
	return true
}

// groupDescriptorsFromBytes parses the entire Group Descriptor Table.
func groupDescriptorsFromBytes(b []byte, is64bit bool, superblockUuid []byte, checksumType gdtChecksumType) (*groupDescriptors, error) {
	gdSize := groupDescriptorSize
	if is64bit {
		gdSize = groupDescriptorSize64Bit
	}
	count := len(b) / gdSize

	gdSlice := make([]groupDescriptor, 0, count)
	for i := 0; i < count; i++ {
		start := i * gdSize
		end := start + gdSize
		gd, err := groupDescriptorFromBytes(b[start:end], is64bit, i, checksumType, superblockUuid)
		if err != nil {
			return nil, fmt.Errorf("group descriptor %d: %w", i, err)
		}
		gdSlice = append(gdSlice, *gd)
	}

	return &groupDescriptors{descriptors: gdSlice}, nil
}

// toBytes serializes every group descriptor back into the GDT layout.
func (gds *groupDescriptors) toBytes(checksumType gdtChecksumType, superblockUuid []byte) ([]byte, error) {
	var b []byte
	for i := range gds.descriptors {
		gdBytes, err := gds.descriptors[i].toBytes(checksumType, superblockUuid)
		if err != nil {
			return nil, fmt.Errorf("group descriptor %d: %w", i, err)
		}
		b = append(b, gdBytes...)
	}
	return b, nil
}

// groupDescriptorFromBytes parses a single 32- or 64-byte descriptor
// record, verifying its checksum when checksumType != gdtChecksumNone.
func groupDescriptorFromBytes(b []byte, is64bit bool, number int, checksumType gdtChecksumType, superblockUuid []byte) (*groupDescriptor, error) {
	blockBitmapLocation := binary.LittleEndian.Uint32(b[0x0:0x4])
	inodeBitmapLocation := binary.LittleEndian.Uint32(b[0x4:0x8])
	inodeTableLocation := binary.LittleEndian.Uint32(b[0x8:0xc])
	freeBlocks := uint32(binary.LittleEndian.Uint16(b[0xc:0xe]))
	freeInodes := uint32(binary.LittleEndian.Uint16(b[0xe:0x10]))
	usedDirectories := uint32(binary.LittleEndian.Uint16(b[0x10:0x12]))
	snapshotExclusionBitmapLocation := binary.LittleEndian.Uint32(b[0x14:0x18])
	blockBitmapChecksum := uint32(binary.LittleEndian.Uint16(b[0x18:0x1a]))
	inodeBitmapChecksum := uint32(binary.LittleEndian.Uint16(b[0x1a:0x1c]))
	unusedInodes := uint32(binary.LittleEndian.Uint16(b[0x1c:0x1e]))

	var blockBitmapHi, inodeBitmapHi, inodeTableHi uint32
	var freeBlocksHi, freeInodesHi, usedDirectoriesHi, unusedInodesHi uint32
	var snapshotExclusionHi, blockBitmapChecksumHi, inodeBitmapChecksumHi uint32
	if is64bit && len(b) >= groupDescriptorSize64Bit {
		blockBitmapHi = binary.LittleEndian.Uint32(b[0x20:0x24])
		inodeBitmapHi = binary.LittleEndian.Uint32(b[0x24:0x28])
		inodeTableHi = binary.LittleEndian.Uint32(b[0x28:0x2c])
		freeBlocksHi = uint32(binary.LittleEndian.Uint16(b[0x2c:0x2e]))
		freeInodesHi = uint32(binary.LittleEndian.Uint16(b[0x2e:0x30]))
		usedDirectoriesHi = uint32(binary.LittleEndian.Uint16(b[0x30:0x32]))
		unusedInodesHi = uint32(binary.LittleEndian.Uint16(b[0x32:0x34]))
		snapshotExclusionHi = binary.LittleEndian.Uint32(b[0x34:0x38])
		blockBitmapChecksumHi = uint32(binary.LittleEndian.Uint16(b[0x38:0x3a]))
		inodeBitmapChecksumHi = uint32(binary.LittleEndian.Uint16(b[0x3a:0x3c]))
	}

	gdNumber := uint64(number)
	if checksumType != gdtChecksumNone {
		checksum := binary.LittleEndian.Uint16(b[0x1e:0x20])
		actualChecksum := groupDescriptorChecksum(b[0x0:0x1e], superblockUuid, gdNumber, checksumType)
		if checksum != actualChecksum {
			return nil, fmt.Errorf("checksum mismatch, on-disk %#x, computed %#x", checksum, actualChecksum)
		}
	}

	gd := groupDescriptor{
		is64bit:                         is64bit,
		number:                          gdNumber,
		blockBitmapLocation:             uint64(blockBitmapHi)<<32 | uint64(blockBitmapLocation),
		inodeBitmapLocation:             uint64(inodeBitmapHi)<<32 | uint64(inodeBitmapLocation),
		inodeTableLocation:              uint64(inodeTableHi)<<32 | uint64(inodeTableLocation),
		freeBlocks:                      freeBlocksHi<<16 | freeBlocks,
		freeInodes:                      freeInodesHi<<16 | freeInodes,
		usedDirectories:                 usedDirectoriesHi<<16 | usedDirectories,
		snapshotExclusionBitmapLocation: uint64(snapshotExclusionHi)<<32 | uint64(snapshotExclusionBitmapLocation),
		blockBitmapChecksum:             blockBitmapChecksumHi<<16 | blockBitmapChecksum,
		inodeBitmapChecksum:             inodeBitmapChecksumHi<<16 | inodeBitmapChecksum,
		unusedInodes:                    unusedInodesHi<<16 | unusedInodes,
		flags:                           parseBlockGroupFlags(binary.LittleEndian.Uint16(b[0x12:0x14])),
	}

	return &gd, nil
}

// toBytes serializes a single group descriptor, recomputing its checksum.
func (gd *groupDescriptor) toBytes(checksumType gdtChecksumType, superblockUuid []byte) ([]byte, error) {
	gdSize := groupDescriptorSize
	if gd.is64bit {
		gdSize = groupDescriptorSize64Bit
	}
	b := make([]byte, gdSize)

	binary.LittleEndian.PutUint32(b[0x0:0x4], uint32(gd.blockBitmapLocation))
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(gd.inodeBitmapLocation))
	binary.LittleEndian.PutUint32(b[0x8:0xc], uint32(gd.inodeTableLocation))
	binary.LittleEndian.PutUint16(b[0xc:0xe], uint16(gd.freeBlocks))
	binary.LittleEndian.PutUint16(b[0xe:0x10], uint16(gd.freeInodes))
	binary.LittleEndian.PutUint16(b[0x10:0x12], uint16(gd.usedDirectories))
	binary.LittleEndian.PutUint16(b[0x12:0x14], gd.flags.toInt())
	binary.LittleEndian.PutUint32(b[0x14:0x18], uint32(gd.snapshotExclusionBitmapLocation))
	binary.LittleEndian.PutUint16(b[0x18:0x1a], uint16(gd.blockBitmapChecksum))
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], uint16(gd.inodeBitmapChecksum))
	binary.LittleEndian.PutUint16(b[0x1c:0x1e], uint16(gd.unusedInodes))

	if gd.is64bit {
		binary.LittleEndian.PutUint32(b[0x20:0x24], uint32(gd.blockBitmapLocation>>32))
		binary.LittleEndian.PutUint32(b[0x24:0x28], uint32(gd.inodeBitmapLocation>>32))
		binary.LittleEndian.PutUint32(b[0x28:0x2c], uint32(gd.inodeTableLocation>>32))
		binary.LittleEndian.PutUint16(b[0x2c:0x2e], uint16(gd.freeBlocks>>16))
		binary.LittleEndian.PutUint16(b[0x2e:0x30], uint16(gd.freeInodes>>16))
		binary.LittleEndian.PutUint16(b[0x30:0x32], uint16(gd.usedDirectories>>16))
		binary.LittleEndian.PutUint16(b[0x32:0x34], uint16(gd.unusedInodes>>16))
		binary.LittleEndian.PutUint32(b[0x34:0x38], uint32(gd.snapshotExclusionBitmapLocation>>32))
		binary.LittleEndian.PutUint16(b[0x38:0x3a], uint16(gd.blockBitmapChecksum>>16))
		binary.LittleEndian.PutUint16(b[0x3a:0x3c], uint16(gd.inodeBitmapChecksum>>16))
	}

	checksum := groupDescriptorChecksum(b[0x0:0x1e], superblockUuid, gd.number, checksumType)
	binary.LittleEndian.PutUint16(b[0x1e:0x20], checksum)

	return b, nil
}

func parseBlockGroupFlags(flags uint16) blockGroupFlags {
	return blockGroupFlags{
		inodeTableZeroed:         flags&uint16(blockGroupFlagInodeTableZeroed) != 0,
		inodesUninitialized:      flags&uint16(blockGroupFlagInodesUninitialized) != 0,
		blockBitmapUninitialized: flags&uint16(blockGroupFlagBlockBitmapUninitialized) != 0,
	}
}

func (f *blockGroupFlags) toInt() uint16 {
	var flags uint16
	if f.inodeTableZeroed {
		flags |= uint16(blockGroupFlagInodeTableZeroed)
	}
	if f.inodesUninitialized {
		flags |= uint16(blockGroupFlagInodesUninitialized)
	}
	if f.blockBitmapUninitialized {
		flags |= uint16(blockGroupFlagBlockBitmapUninitialized)
	}
	return flags
}

// groupDescriptorChecksum computes the checksum covering b (the
// descriptor record minus its own checksum field) plus the superblock
// UUID (or checksum seed) and the group number, per the on-disk variant
// in effect: none (pre gdt_csum), CRC16 (gdt_csum), or the low 16 bits of
// CRC32C (metadata_csum).
func groupDescriptorChecksum(b, superblockUuid []byte, groupNumber uint64, checksumType gdtChecksumType) uint16 {
	switch checksumType {
	case gdtChecksumNone:
		return 0
	case gdtChecksumMetadata:
		c := crc.CRC32CUpdate(crc.CRC32CInit, superblockUuid)
		c = crc.CRC32CUpdateU32(c, uint32(groupNumber))
		c = crc.CRC32CUpdate(c, b)
		return uint16(c & 0xffff)
	case gdtChecksumGdt:
		input := make([]byte, 0, len(superblockUuid)+4+len(b))
		input = append(input, superblockUuid...)
		var groupBytes [4]byte
		binary.LittleEndian.PutUint32(groupBytes[:], uint32(groupNumber))
		input = append(input, groupBytes[:]...)
		input = append(input, b...)
		return crc.CRC16(input)
	default:
		return 0
	}
}
