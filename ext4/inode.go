package ext4

import (
	"encoding/binary"
	"fmt"

	"github.com/embedfs/ext4fs/crc"
)

type inodeFlag uint32
type fileType uint16

const (
	inodeBaseSize int = 128

	inodeFlagSecureDeletion          inodeFlag = 0x1
	inodeFlagPreserveForUndeletion   inodeFlag = 0x2
	inodeFlagCompressed              inodeFlag = 0x4
	inodeFlagSynchronous             inodeFlag = 0x8
	inodeFlagImmutable               inodeFlag = 0x10
	inodeFlagAppendOnly              inodeFlag = 0x20
	inodeFlagNoDump                  inodeFlag = 0x40
	inodeFlagNoAccessTimeUpdate      inodeFlag = 0x80
	inodeFlagDirtyCompressed         inodeFlag = 0x100
	inodeFlagCompressedClusters      inodeFlag = 0x200
	inodeFlagNoCompress              inodeFlag = 0x400
	inodeFlagEncryptedInode          inodeFlag = 0x800
	inodeFlagHashedDirectoryIndexes  inodeFlag = 0x1000
	inodeFlagAFSMagicDirectory       inodeFlag = 0x2000
	inodeFlagAlwaysJournal           inodeFlag = 0x4000
	inodeFlagNoMergeTail             inodeFlag = 0x8000
	inodeFlagSyncDirectoryData       inodeFlag = 0x10000
	inodeFlagTopDirectory            inodeFlag = 0x20000
	inodeFlagHugeFile                inodeFlag = 0x40000
	inodeFlagUsesExtents             inodeFlag = 0x80000
	inodeFlagExtendedAttributes      inodeFlag = 0x200000
	inodeFlagBlocksPastEOF           inodeFlag = 0x400000
	inodeFlagSnapshot                inodeFlag = 0x1000000
	inodeFlagDeletingSnapshot        inodeFlag = 0x4000000
	inodeFlagCompletedSnapshotShrink inodeFlag = 0x8000000
	inodeFlagInlineData              inodeFlag = 0x10000000
	inodeFlagInheritProject          inodeFlag = 0x20000000

	fileTypeFifo            fileType = 0x1000
	fileTypeCharacterDevice fileType = 0x2000
	fileTypeDirectory       fileType = 0x4000
	fileTypeBlockDevice     fileType = 0x6000
	fileTypeRegularFile     fileType = 0x8000
	fileTypeSymbolicLink    fileType = 0xA000
	fileTypeSocket          fileType = 0xC000
	fileTypeMask            fileType = 0xF000

	filePermissionsOwnerExecute uint16 = 0x40
	filePermissionsOwnerWrite   uint16 = 0x80
	filePermissionsOwnerRead    uint16 = 0x100
	filePermissionsGroupExecute uint16 = 0x8
	filePermissionsGroupWrite   uint16 = 0x10
	filePermissionsGroupRead    uint16 = 0x20
	filePermissionsOtherExecute uint16 = 0x1
	filePermissionsOtherWrite   uint16 = 0x2
	filePermissionsOtherRead    uint16 = 0x4
)

type inodeFlags struct {
	secureDeletion          bool
	preserveForUndeletion   bool
	compressed              bool
	synchronous             bool
	immutable               bool
	appendOnly              bool
	noDump                  bool
	noAccessTimeUpdate      bool
	dirtyCompressed         bool
	compressedClusters      bool
	noCompress              bool
	encryptedInode          bool
	hashedDirectoryIndexes  bool
	AFSMagicDirectory       bool
	alwaysJournal           bool
	noMergeTail             bool
	syncDirectoryData       bool
	topDirectory            bool
	hugeFile                bool
	usesExtents             bool
	extendedAttributes      bool
	blocksPastEOF           bool
	snapshot                bool
	deletingSnapshot        bool
	completedSnapshotShrink bool
	inlineData              bool
	inheritProject          bool
}

type filePermissions struct {
	read    bool
	write   bool
	execute bool
}

// inode is component I: the fixed-layout on-disk inode record plus the
// raw 60-byte i_block[] array, interpreted by indirect.go (classic
// block mapping) or extent.go (extent tree) depending on usesExtents.
type inode struct {
	number                      uint64
	permissionsOther            filePermissions
	permissionsGroup            filePermissions
	permissionsOwner            filePermissions
	fileType                    fileType
	owner                       uint32
	group                       uint32
	size                        uint64
	accessTimeSeconds           int64
	changeTimeSeconds           int64
	creationTimeSeconds         int64
	modificationTimeSeconds     int64
	accessTimeNanoseconds       uint32
	changeTimeNanoseconds       uint32
	creationTimeNanoseconds     uint32
	modificationTimeNanoseconds uint32
	deletionTime                uint32
	hardLinks                   uint16
	blocks512                   uint64 // always counted in 512-byte units unless filesystemBlocks
	filesystemBlocks            bool
	flags                       inodeFlags
	version                     uint64
	nfsFileVersion              uint32
	extendedAttributeBlock      uint64
	inodeSize                   uint16
	project                     uint32
	generation                  uint32
	iBlock                      [60]byte
}

func (i *inode) equal(a *inode) bool {
	if (i == nil) != (a == nil) {
		return false
	}
	if i == nil {
		return true
	}
	return *i == *a
}

// IsDir/IsRegular/IsSymlink/etc. classify the inode by its file type bits
// (§4.I "type() reduction").
func (i *inode) IsDir() bool        { return i.fileType == fileTypeDirectory }
func (i *inode) IsRegular() bool    { return i.fileType == fileTypeRegularFile }
func (i *inode) IsSymlink() bool    { return i.fileType == fileTypeSymbolicLink }
func (i *inode) UsesExtents() bool  { return i.flags.usesExtents }
func (i *inode) HasInlineData() bool { return i.flags.inlineData }

// FastSymlink reports whether a symlink's target is stored inline in
// i_block rather than in a data block: true whenever the target fits in
// the 60 bytes of i_block and the inode claims zero data blocks.
func (i *inode) FastSymlink() bool {
	return i.IsSymlink() && i.blocks512 == 0 && i.size <= 60
}

// CanTruncate reports whether the inode is a type truncate()/free()
// operate on: regular files and directories only (§4.I "can_truncate").
func (i *inode) CanTruncate() bool {
	return i.IsRegular() || i.IsDir()
}

func blockCountUnit(filesystemBlocks bool, blockSize uint64) uint64 {
	if filesystemBlocks {
		return blockSize
	}
	return 512
}

// inodeFromBytes parses one inode record; b must be exactly sb.InodeSize()
// bytes, the raw slice as stored in the inode table (not yet
// checksum-stripped).
func inodeFromBytes(b []byte, sb *Superblock, number int64) (*inode, error) {
	if len(b) < inodeBaseSize {
		return nil, newErr("inodeFromBytes", EINVAL, fmt.Errorf("inode record too short: %d bytes", len(b)))
	}

	extraISize := uint16(0)
	if len(b) >= 0x82 {
		extraISize = binary.LittleEndian.Uint16(b[0x80:0x82])
	}
	hasChecksumHi := extraISize >= 4 && len(b) >= 0x84

	if sb.features.metadataChecksums {
		var checksumBytes [4]byte
		binary.LittleEndian.PutUint16(checksumBytes[0:2], binary.LittleEndian.Uint16(b[0x7c:0x7e]))
		if hasChecksumHi {
			binary.LittleEndian.PutUint16(checksumBytes[2:4], binary.LittleEndian.Uint16(b[0x82:0x84]))
		}
		work := make([]byte, len(b))
		copy(work, b)
		work[0x7c], work[0x7d] = 0, 0
		if hasChecksumHi {
			work[0x82], work[0x83] = 0, 0
		}
		checksum := binary.LittleEndian.Uint32(checksumBytes[:])
		actual := inodeChecksum(work, sb.checksumBase(), uint64(number))
		if !hasChecksumHi {
			actual &= 0xffff
		}
		if actual != checksum {
			return nil, newErr("inodeFromBytes", EIO, fmt.Errorf("checksum mismatch on inode %d: on-disk %#x, computed %#x", number, checksum, actual))
		}
	}

	mode := binary.LittleEndian.Uint16(b[0x0:0x2])
	uidLo := binary.LittleEndian.Uint16(b[0x2:0x4])
	sizeLo := binary.LittleEndian.Uint32(b[0x4:0x8])
	atime := binary.LittleEndian.Uint32(b[0x8:0xc])
	ctime := binary.LittleEndian.Uint32(b[0xc:0x10])
	mtime := binary.LittleEndian.Uint32(b[0x10:0x14])
	dtime := binary.LittleEndian.Uint32(b[0x14:0x18])
	gidLo := binary.LittleEndian.Uint16(b[0x18:0x1a])
	links := binary.LittleEndian.Uint16(b[0x1a:0x1c])
	blocksLo := binary.LittleEndian.Uint32(b[0x1c:0x20])
	flagsNum := binary.LittleEndian.Uint32(b[0x20:0x24])
	version := uint64(binary.LittleEndian.Uint32(b[0x24:0x28]))

	var iBlock [60]byte
	copy(iBlock[:], b[0x28:0x64])

	generation := binary.LittleEndian.Uint32(b[0x64:0x68])
	fileACLLo := binary.LittleEndian.Uint32(b[0x68:0x6c])
	sizeHi := binary.LittleEndian.Uint32(b[0x6c:0x70])

	var blocksHi, fileACLHi, uidHi, gidHi uint16
	if len(b) >= 0x7c {
		blocksHi = binary.LittleEndian.Uint16(b[0x74:0x76])
		fileACLHi = binary.LittleEndian.Uint16(b[0x76:0x78])
		uidHi = binary.LittleEndian.Uint16(b[0x78:0x7a])
		gidHi = binary.LittleEndian.Uint16(b[0x7a:0x7c])
	}

	var ctimeExtra, mtimeExtra, atimeExtra, crtime, crtimeExtra, versionHi, projid uint32
	if len(b) >= 0x88 {
		ctimeExtra = binary.LittleEndian.Uint32(b[0x84:0x88])
	}
	if len(b) >= 0x8c {
		mtimeExtra = binary.LittleEndian.Uint32(b[0x88:0x8c])
	}
	if len(b) >= 0x90 {
		atimeExtra = binary.LittleEndian.Uint32(b[0x8c:0x90])
	}
	if len(b) >= 0x94 {
		crtime = binary.LittleEndian.Uint32(b[0x90:0x94])
	}
	if len(b) >= 0x98 {
		crtimeExtra = binary.LittleEndian.Uint32(b[0x94:0x98])
	}
	if len(b) >= 0x9c {
		versionHi = binary.LittleEndian.Uint32(b[0x98:0x9c])
	}
	if len(b) >= 0xa0 {
		projid = binary.LittleEndian.Uint32(b[0x9c:0xa0])
	}

	flags := parseInodeFlags(flagsNum)
	hugeFile := sb.features.hugeFile
	var (
		blocks512        uint64
		filesystemBlocks bool
	)
	switch {
	case !hugeFile:
		blocks512 = uint64(blocksLo)
	case hugeFile && !flags.hugeFile:
		blocks512 = uint64(blocksHi)<<32 | uint64(blocksLo)
	default:
		blocks512 = uint64(blocksHi)<<32 | uint64(blocksLo)
		filesystemBlocks = true
	}

	// seconds field: low 32 bits plus the two low bits of the *_extra
	// field sign-extended to a 34-bit epoch offset; upper 30 bits of
	// *_extra hold nanoseconds.
	expandTime := func(lo uint32, extra uint32) (int64, uint32) {
		epochHi := int64(extra & 0x3)
		seconds := int64(int32(lo)) + epochHi<<32
		nanoseconds := extra >> 2
		return seconds, nanoseconds
	}
	accessSec, accessNsec := expandTime(atime, atimeExtra)
	changeSec, changeNsec := expandTime(ctime, ctimeExtra)
	modifySec, modifyNsec := expandTime(mtime, mtimeExtra)
	createSec, createNsec := expandTime(crtime, crtimeExtra)

	in := inode{
		number:                      uint64(number),
		permissionsGroup:            parseGroupPermissions(mode),
		permissionsOwner:            parseOwnerPermissions(mode),
		permissionsOther:            parseOtherPermissions(mode),
		fileType:                    fileType(mode) & fileTypeMask,
		owner:                       uint32(uidHi)<<16 | uint32(uidLo),
		group:                       uint32(gidHi)<<16 | uint32(gidLo),
		size:                        uint64(sizeHi)<<32 | uint64(sizeLo),
		hardLinks:                   links,
		blocks512:                   blocks512,
		filesystemBlocks:            filesystemBlocks,
		flags:                       flags,
		nfsFileVersion:              0,
		version:                     uint64(versionHi)<<32 | version,
		inodeSize:                   uint16(inodeBaseSize) + extraISize,
		deletionTime:                dtime,
		accessTimeSeconds:           accessSec,
		changeTimeSeconds:           changeSec,
		creationTimeSeconds:         createSec,
		modificationTimeSeconds:     modifySec,
		accessTimeNanoseconds:       accessNsec,
		changeTimeNanoseconds:       changeNsec,
		creationTimeNanoseconds:     createNsec,
		modificationTimeNanoseconds: modifyNsec,
		extendedAttributeBlock:      uint64(fileACLHi)<<32 | uint64(fileACLLo),
		project:                     projid,
		generation:                  generation,
		iBlock:                      iBlock,
	}

	return &in, nil
}

// toBytes serializes the inode record, recomputing its checksum when
// metadata checksumming is enabled.
func (i *inode) toBytes(sb *Superblock) ([]byte, error) {
	iSize := int(i.inodeSize)
	if iSize < inodeBaseSize {
		iSize = inodeBaseSize
	}
	b := make([]byte, iSize)

	mode := i.permissionsGroup.toGroupInt() | i.permissionsOther.toOtherInt() | i.permissionsOwner.toOwnerInt() | uint16(i.fileType)
	binary.LittleEndian.PutUint16(b[0x0:0x2], mode)
	binary.LittleEndian.PutUint16(b[0x2:0x4], uint16(i.owner))
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(i.size))

	collapseTime := func(seconds int64, nanoseconds uint32) (uint32, uint32) {
		lo := uint32(int32(seconds))
		epochHi := uint32((seconds >> 32) & 0x3)
		extra := (nanoseconds << 2) | epochHi
		return lo, extra
	}
	atimeLo, atimeExtra := collapseTime(i.accessTimeSeconds, i.accessTimeNanoseconds)
	ctimeLo, ctimeExtra := collapseTime(i.changeTimeSeconds, i.changeTimeNanoseconds)
	mtimeLo, mtimeExtra := collapseTime(i.modificationTimeSeconds, i.modificationTimeNanoseconds)
	crtimeLo, crtimeExtra := collapseTime(i.creationTimeSeconds, i.creationTimeNanoseconds)

	binary.LittleEndian.PutUint32(b[0x8:0xc], atimeLo)
	binary.LittleEndian.PutUint32(b[0xc:0x10], ctimeLo)
	binary.LittleEndian.PutUint32(b[0x10:0x14], mtimeLo)
	binary.LittleEndian.PutUint32(b[0x14:0x18], i.deletionTime)
	binary.LittleEndian.PutUint16(b[0x18:0x1a], uint16(i.group))
	binary.LittleEndian.PutUint16(b[0x1a:0x1c], i.hardLinks)
	binary.LittleEndian.PutUint32(b[0x1c:0x20], uint32(i.blocks512))
	binary.LittleEndian.PutUint32(b[0x20:0x24], i.flags.toInt())
	binary.LittleEndian.PutUint32(b[0x24:0x28], uint32(i.version))
	copy(b[0x28:0x64], i.iBlock[:])
	binary.LittleEndian.PutUint32(b[0x64:0x68], i.generation)
	binary.LittleEndian.PutUint32(b[0x68:0x6c], uint32(i.extendedAttributeBlock))
	binary.LittleEndian.PutUint32(b[0x6c:0x70], uint32(i.size>>32))

	if iSize > inodeBaseSize {
		binary.LittleEndian.PutUint16(b[0x74:0x76], uint16(i.blocks512>>32))
		binary.LittleEndian.PutUint16(b[0x76:0x78], uint16(i.extendedAttributeBlock>>32))
		binary.LittleEndian.PutUint16(b[0x78:0x7a], uint16(i.owner>>16))
		binary.LittleEndian.PutUint16(b[0x7a:0x7c], uint16(i.group>>16))
		extraISize := uint16(iSize - inodeBaseSize)
		binary.LittleEndian.PutUint16(b[0x80:0x82], extraISize)
		if iSize >= 0x88 {
			binary.LittleEndian.PutUint32(b[0x84:0x88], ctimeExtra)
		}
		if iSize >= 0x8c {
			binary.LittleEndian.PutUint32(b[0x88:0x8c], mtimeExtra)
		}
		if iSize >= 0x90 {
			binary.LittleEndian.PutUint32(b[0x8c:0x90], atimeExtra)
		}
		if iSize >= 0x94 {
			binary.LittleEndian.PutUint32(b[0x90:0x94], crtimeLo)
		}
		if iSize >= 0x98 {
			binary.LittleEndian.PutUint32(b[0x94:0x98], crtimeExtra)
		}
		if iSize >= 0x9c {
			binary.LittleEndian.PutUint32(b[0x98:0x9c], uint32(i.version>>32))
		}
		if iSize >= 0xa0 {
			binary.LittleEndian.PutUint32(b[0x9c:0xa0], i.project)
		}
	}

	if sb.features.metadataChecksums {
		hasChecksumHi := iSize >= 0x84
		actual := inodeChecksum(b, sb.checksumBase(), i.number)
		binary.LittleEndian.PutUint16(b[0x7c:0x7e], uint16(actual))
		if hasChecksumHi {
			binary.LittleEndian.PutUint16(b[0x82:0x84], uint16(actual>>16))
		}
	}

	return b, nil
}

func parseOwnerPermissions(mode uint16) filePermissions {
	return filePermissions{
		execute: mode&filePermissionsOwnerExecute != 0,
		write:   mode&filePermissionsOwnerWrite != 0,
		read:    mode&filePermissionsOwnerRead != 0,
	}
}
func parseGroupPermissions(mode uint16) filePermissions {
	return filePermissions{
		execute: mode&filePermissionsGroupExecute != 0,
		write:   mode&filePermissionsGroupWrite != 0,
		read:    mode&filePermissionsGroupRead != 0,
	}
}
func parseOtherPermissions(mode uint16) filePermissions {
	return filePermissions{
		execute: mode&filePermissionsOtherExecute != 0,
		write:   mode&filePermissionsOtherWrite != 0,
		read:    mode&filePermissionsOtherRead != 0,
	}
}
func (fp *filePermissions) toOwnerInt() uint16 {
	var v uint16
	if fp.execute {
		v |= filePermissionsOwnerExecute
	}
	if fp.write {
		v |= filePermissionsOwnerWrite
	}
	if fp.read {
		v |= filePermissionsOwnerRead
	}
	return v
}
func (fp *filePermissions) toOtherInt() uint16 {
	var v uint16
	if fp.execute {
		v |= filePermissionsOtherExecute
	}
	if fp.write {
		v |= filePermissionsOtherWrite
	}
	if fp.read {
		v |= filePermissionsOtherRead
	}
	return v
}
func (fp *filePermissions) toGroupInt() uint16 {
	var v uint16
	if fp.execute {
		v |= filePermissionsGroupExecute
	}
	if fp.write {
		v |= filePermissionsGroupWrite
	}
	if fp.read {
		v |= filePermissionsGroupRead
	}
	return v
}

func parseInodeFlags(flags uint32) inodeFlags {
	return inodeFlags{
		secureDeletion:          flags&uint32(inodeFlagSecureDeletion) != 0,
		preserveForUndeletion:   flags&uint32(inodeFlagPreserveForUndeletion) != 0,
		compressed:              flags&uint32(inodeFlagCompressed) != 0,
		synchronous:             flags&uint32(inodeFlagSynchronous) != 0,
		immutable:               flags&uint32(inodeFlagImmutable) != 0,
		appendOnly:              flags&uint32(inodeFlagAppendOnly) != 0,
		noDump:                  flags&uint32(inodeFlagNoDump) != 0,
		noAccessTimeUpdate:      flags&uint32(inodeFlagNoAccessTimeUpdate) != 0,
		dirtyCompressed:         flags&uint32(inodeFlagDirtyCompressed) != 0,
		compressedClusters:      flags&uint32(inodeFlagCompressedClusters) != 0,
		noCompress:              flags&uint32(inodeFlagNoCompress) != 0,
		encryptedInode:          flags&uint32(inodeFlagEncryptedInode) != 0,
		hashedDirectoryIndexes:  flags&uint32(inodeFlagHashedDirectoryIndexes) != 0,
		AFSMagicDirectory:       flags&uint32(inodeFlagAFSMagicDirectory) != 0,
		alwaysJournal:           flags&uint32(inodeFlagAlwaysJournal) != 0,
		noMergeTail:             flags&uint32(inodeFlagNoMergeTail) != 0,
		syncDirectoryData:       flags&uint32(inodeFlagSyncDirectoryData) != 0,
		topDirectory:            flags&uint32(inodeFlagTopDirectory) != 0,
		hugeFile:                flags&uint32(inodeFlagHugeFile) != 0,
		usesExtents:             flags&uint32(inodeFlagUsesExtents) != 0,
		extendedAttributes:      flags&uint32(inodeFlagExtendedAttributes) != 0,
		blocksPastEOF:           flags&uint32(inodeFlagBlocksPastEOF) != 0,
		snapshot:                flags&uint32(inodeFlagSnapshot) != 0,
		deletingSnapshot:        flags&uint32(inodeFlagDeletingSnapshot) != 0,
		completedSnapshotShrink: flags&uint32(inodeFlagCompletedSnapshotShrink) != 0,
		inlineData:              flags&uint32(inodeFlagInlineData) != 0,
		inheritProject:          flags&uint32(inodeFlagInheritProject) != 0,
	}
}

func (f *inodeFlags) toInt() uint32 {
	var flags uint32
	set := func(b bool, bit inodeFlag) {
		if b {
			flags |= uint32(bit)
		}
	}
	set(f.secureDeletion, inodeFlagSecureDeletion)
	set(f.preserveForUndeletion, inodeFlagPreserveForUndeletion)
	set(f.compressed, inodeFlagCompressed)
	set(f.synchronous, inodeFlagSynchronous)
	set(f.immutable, inodeFlagImmutable)
	set(f.appendOnly, inodeFlagAppendOnly)
	set(f.noDump, inodeFlagNoDump)
	set(f.noAccessTimeUpdate, inodeFlagNoAccessTimeUpdate)
	set(f.dirtyCompressed, inodeFlagDirtyCompressed)
	set(f.compressedClusters, inodeFlagCompressedClusters)
	set(f.noCompress, inodeFlagNoCompress)
	set(f.encryptedInode, inodeFlagEncryptedInode)
	set(f.hashedDirectoryIndexes, inodeFlagHashedDirectoryIndexes)
	set(f.AFSMagicDirectory, inodeFlagAFSMagicDirectory)
	set(f.alwaysJournal, inodeFlagAlwaysJournal)
	set(f.noMergeTail, inodeFlagNoMergeTail)
	set(f.syncDirectoryData, inodeFlagSyncDirectoryData)
	set(f.topDirectory, inodeFlagTopDirectory)
	set(f.hugeFile, inodeFlagHugeFile)
	set(f.usesExtents, inodeFlagUsesExtents)
	set(f.extendedAttributes, inodeFlagExtendedAttributes)
	set(f.blocksPastEOF, inodeFlagBlocksPastEOF)
	set(f.snapshot, inodeFlagSnapshot)
	set(f.deletingSnapshot, inodeFlagDeletingSnapshot)
	set(f.completedSnapshotShrink, inodeFlagCompletedSnapshotShrink)
	set(f.inlineData, inodeFlagInlineData)
	set(f.inheritProject, inodeFlagInheritProject)
	return flags
}

// inodeChecksum computes the CRC32C inode checksum over b (with the
// checksum fields themselves zeroed) plus the filesystem UUID/seed and
// the inode number/generation, per the metadata_csum on-disk format.
func inodeChecksum(b, uuidOrSeed []byte, inodeNumber uint64) uint32 {
	c := crc.CRC32CUpdate(crc.CRC32CInit, uuidOrSeed)
	c = crc.CRC32CUpdateU32(c, uint32(inodeNumber))
	var generation [4]byte
	if len(b) >= 0x68 {
		copy(generation[:], b[0x64:0x68])
	}
	c = crc.CRC32CUpdate(c, generation[:])
	c = crc.CRC32CUpdate(c, b)
	return c
}
