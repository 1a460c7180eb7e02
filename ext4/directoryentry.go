package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/embedfs/ext4fs/crc"
)

const (
	dirEntryHeaderLen int = 8
	minDirEntryLength int = 12 // 8-byte header + at least 4 bytes of (padded) name
	maxDirEntryLength int = 263

	// dirEntryTailFileType is the reserved file_type value (0xDE, "dEtect")
	// marking the last 12-byte slot of a leaf block as a checksum tail
	// rather than a real entry, when metadata_csum is enabled (§4.L).
	dirEntryTailFileType dirFileType = 0xde
	dirEntryTailRecLen   uint16      = 12
)

// dirFileType is the on-disk dirent file_type byte (1=regular,
// 2=dir, ...), a distinct, smaller encoding from the inode mode's
// fileType (S_IF* bits stored in the high nibble of i_mode).
type dirFileType uint8

const (
	dirFileTypeUnknown         dirFileType = 0
	dirFileTypeRegular         dirFileType = 1
	dirFileTypeDirectory       dirFileType = 2
	dirFileTypeCharacterDevice dirFileType = 3
	dirFileTypeBlockDevice     dirFileType = 4
	dirFileTypeFifo            dirFileType = 5
	dirFileTypeSocket          dirFileType = 6
	dirFileTypeSymbolicLink    dirFileType = 7
)

// dirFileTypeFromInode maps an inode's mode-derived fileType to the
// dirent file_type byte stored alongside a directory entry.
func dirFileTypeFromInode(i *inode) dirFileType {
	switch {
	case i.IsDir():
		return dirFileTypeDirectory
	case i.IsRegular():
		return dirFileTypeRegular
	case i.IsSymlink():
		return dirFileTypeSymbolicLink
	case i.fileType == fileTypeCharacterDevice:
		return dirFileTypeCharacterDevice
	case i.fileType == fileTypeBlockDevice:
		return dirFileTypeBlockDevice
	case i.fileType == fileTypeFifo:
		return dirFileTypeFifo
	case i.fileType == fileTypeSocket:
		return dirFileTypeSocket
	default:
		return dirFileTypeUnknown
	}
}

// directoryEntry is a single linear directory entry: inode number, the
// rec_len-implied slack used for free space accounting, the file's
// name, and (when the incompat feature is set) its file type.
type directoryEntry struct {
	inode    uint32
	recLen   uint16
	fileType dirFileType
	filename string
}

// deleted reports whether this slot has no live entry in it (inode 0),
// matching the e2fsprogs convention for a free run of directory space.
func (de *directoryEntry) deleted() bool { return de.inode == 0 }

func (de *directoryEntry) isTail() bool { return de.fileType == dirEntryTailFileType }

// directoryEntryFromBytes parses one entry starting at b[0], using only
// as many bytes as b[0x4:0x6] (rec_len) says the entry occupies.
func directoryEntryFromBytes(b []byte, hasFileType bool) (*directoryEntry, error) {
	if len(b) < dirEntryHeaderLen {
		return nil, fmt.Errorf("directory entry buffer of %d bytes shorter than header", len(b))
	}
	recLen := binary.LittleEndian.Uint16(b[0x4:0x6])
	if int(recLen) < dirEntryHeaderLen || int(recLen) > len(b) {
		return nil, fmt.Errorf("directory entry rec_len %d out of range for %d-byte buffer", recLen, len(b))
	}
	nameLength := uint8(b[0x6])
	var ft dirFileType
	if hasFileType {
		ft = dirFileType(b[0x7])
	}
	if int(nameLength) > int(recLen)-dirEntryHeaderLen {
		return nil, fmt.Errorf("directory entry name_len %d exceeds rec_len %d", nameLength, recLen)
	}
	name := string(b[0x8 : 0x8+int(nameLength)])
	de := directoryEntry{
		inode:    binary.LittleEndian.Uint32(b[0x0:0x4]),
		recLen:   recLen,
		fileType: ft,
		filename: name,
	}
	return &de, nil
}

// minRecLen returns the smallest 4-byte-aligned rec_len that can hold
// this entry's name.
func (de *directoryEntry) minRecLen() uint16 {
	n := dirEntryHeaderLen + len(de.filename)
	if rem := n % 4; rem != 0 {
		n += 4 - rem
	}
	return uint16(n)
}

// toBytes serializes the entry into exactly recLen bytes (its current,
// possibly slack-holding, record length), zero-padding the name field.
func (de *directoryEntry) toBytes(hasFileType bool) ([]byte, error) {
	if de.recLen < de.minRecLen() {
		return nil, fmt.Errorf("rec_len %d too small for name %q", de.recLen, de.filename)
	}
	b := make([]byte, de.recLen)
	binary.LittleEndian.PutUint32(b[0x0:0x4], de.inode)
	binary.LittleEndian.PutUint16(b[0x4:0x6], de.recLen)
	b[0x6] = uint8(len(de.filename))
	if hasFileType {
		b[0x7] = byte(de.fileType)
	}
	copy(b[0x8:], de.filename)
	return b, nil
}

// tailEntry builds the reserved DIR_TAIL slot, a fake entry occupying
// a leaf block's final 12 bytes with a CRC32C of everything before it.
func tailEntry() *directoryEntry {
	return &directoryEntry{inode: 0, recLen: dirEntryTailRecLen, fileType: dirEntryTailFileType}
}

// parseDirBlock parses one full block's worth of chained directory
// entries, including a trailing DIR_TAIL if present (identified by its
// reserved file_type, not consumed as a name/inode pair).
func parseDirBlock(b []byte, hasFileType bool) ([]*directoryEntry, error) {
	var entries []*directoryEntry
	for i := 0; i < len(b); {
		de, err := directoryEntryFromBytes(b[i:], hasFileType)
		if err != nil {
			return nil, fmt.Errorf("parsing directory entry at offset %d: %w", i, err)
		}
		entries = append(entries, de)
		i += int(de.recLen)
	}
	return entries, nil
}

// encodeDirBlock serializes entries back into a single block-sized
// buffer, verifying they exactly tile it (every byte accounted for by
// some entry's rec_len, the last one stretching to the block boundary).
func encodeDirBlock(entries []*directoryEntry, blockSize int, hasFileType bool) ([]byte, error) {
	b := make([]byte, 0, blockSize)
	for _, de := range entries {
		eb, err := de.toBytes(hasFileType)
		if err != nil {
			return nil, err
		}
		b = append(b, eb...)
	}
	if len(b) != blockSize {
		return nil, fmt.Errorf("directory block entries total %d bytes, want %d", len(b), blockSize)
	}
	return b, nil
}

// dirBlockChecksum computes the metadata_csum CRC32C over a leaf
// block's entry bytes up to (not including) the DIR_TAIL's own 4-byte
// checksum field, seeded the way inode/bitmap checksums are (§4.A/§4.L).
func dirBlockChecksum(seed []byte, inodeNumber uint64, generation uint32, entryBytes []byte) uint32 {
	c := crc.CRC32CUpdate(crc.CRC32CInit, seed)
	c = crc.CRC32CUpdateU64(c, inodeNumber)
	c = crc.CRC32CUpdateU32(c, generation)
	return crc.CRC32CUpdate(c, entryBytes)
}
