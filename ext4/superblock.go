package ext4

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/embedfs/ext4fs/crc"
	uuid "github.com/satori/go.uuid"
)

type filesystemState uint16
type errorBehaviour uint16
type osFlag uint32
type feature uint32
type hashAlgorithm byte
type mountOption uint32
type flag uint32
type encryptionAlgorithm byte

const (
	// superblockSignature is the signature for every superblock.
	superblockSignature uint16 = 0xef53

	// SuperblockSize is the fixed on-disk size of the superblock record.
	SuperblockSize = 1024
	// Superblock0Offset is the byte offset of the primary superblock,
	// immediately after the boot sector.
	Superblock0Offset int64 = 1024

	fsStateCleanlyUnmounted filesystemState = 0x0001
	fsStateErrors           filesystemState = 0x0002
	fsStateOrphansRecovered filesystemState = 0x0004

	errorsContinue        errorBehaviour = 1
	errorsRemountReadOnly errorBehaviour = 2
	errorsPanic           errorBehaviour = 3

	checksumTypeCRC32C byte = 1

	osLinux   osFlag = 0
	osHurd    osFlag = 1
	osMasix   osFlag = 2
	osFreeBSD osFlag = 3
	osLites   osFlag = 4

	hashLegacy          hashAlgorithm = 0x0
	hashHalfMD4         hashAlgorithm = 0x1
	hashTea             hashAlgorithm = 0x2
	hashLegacyUnsigned  hashAlgorithm = 0x3
	hashHalfMD4Unsigned hashAlgorithm = 0x4
	hashTeaUnsigned     hashAlgorithm = 0x5

	mountPrintDebugInfo                 mountOption = 0x1
	mountNewFilesGidContainingDirectory mountOption = 0x2
	mountUserspaceExtendedAttributes    mountOption = 0x4
	mountPosixACLs                      mountOption = 0x8
	mount16BitUIDs                      mountOption = 0x10
	mountJournalDataAndMetadata         mountOption = 0x20
	mountFlushBeforeJournal             mountOption = 0x40
	mountUnorderingDataMetadata         mountOption = 0x60
	mountDisableWriteFlushes            mountOption = 0x100
	mountTrackMetadataBlocks            mountOption = 0x200
	mountDiscardDeviceSupport           mountOption = 0x400
	mountDisableDelayedAllocation       mountOption = 0x800

	compatFeatureDirectoryPreAllocate               feature = 0x1
	compatFeatureImagicInodes                       feature = 0x2
	compatFeatureHasJournal                         feature = 0x4
	compatFeatureExtendedAttributes                 feature = 0x8
	compatFeatureReservedGDTBlocksForExpansion      feature = 0x10
	compatFeatureDirectoryIndices                   feature = 0x20
	compatFeatureLazyBlockGroup                     feature = 0x40
	compatFeatureExcludeInode                       feature = 0x80
	compatFeatureExcludeBitmap                      feature = 0x100
	compatFeatureSparseSuperBlockV2                 feature = 0x200
	incompatFeatureCompression                      feature = 0x1
	incompatFeatureDirectoryEntriesRecordFileType   feature = 0x2
	incompatFeatureRecoveryNeeded                   feature = 0x4
	incompatFeatureSeparateJournalDevice            feature = 0x8
	incompatFeatureMetaBlockGroups                  feature = 0x10
	incompatFeatureExtents                          feature = 0x40
	incompatFeature64Bit                            feature = 0x80
	incompatFeatureMultipleMountProtection          feature = 0x100
	incompatFeatureFlexBlockGroups                  feature = 0x200
	incompatFeatureExtendedAttributeInodes          feature = 0x400
	incompatFeatureDataInDirectoryEntries           feature = 0x1000
	incompatFeatureMetadataChecksumSeedInSuperblock feature = 0x2000
	incompatFeatureLargeDirectory                   feature = 0x4000
	incompatFeatureDataInInode                      feature = 0x8000
	incompatFeatureEncryptInodes                    feature = 0x10000
	roCompatFeatureSparseSuperblock                 feature = 0x1
	roCompatFeatureLargeFile                        feature = 0x2
	roCompatFeatureBtreeDirectory                   feature = 0x4
	roCompatFeatureHugeFile                         feature = 0x8
	roCompatFeatureGDTChecksum                      feature = 0x10
	roCompatFeatureLargeSubdirectoryCount           feature = 0x20
	roCompatFeatureLargeInodes                      feature = 0x40
	roCompatFeatureSnapshot                         feature = 0x80
	roCompatFeatureQuota                            feature = 0x100
	roCompatFeatureBigalloc                         feature = 0x200
	roCompatFeatureMetadataChecksums                feature = 0x400
	roCompatFeatureReplicas                         feature = 0x800
	roCompatFeatureReadOnly                         feature = 0x1000
	roCompatFeatureProjectQuotas                    feature = 0x2000

	flagSignedDirectoryHash   flag = 0x0001
	flagUnsignedDirectoryHash flag = 0x0002
	flagTestDevCode           flag = 0x0004

	encryptionAlgorithmInvalid   encryptionAlgorithm = 1
	encryptionAlgorithm256AESXTS encryptionAlgorithm = 2
	encryptionAlgorithm256AESGCM encryptionAlgorithm = 3
	encryptionAlgorithm256AESCBC encryptionAlgorithm = 4
)

// journalBackup is a backup, in the superblock, of the journal inode's
// i_block[] array and size — used to recover the journal's location if
// the journal inode itself is lost.
type journalBackup struct {
	iBlocks [15]uint32
	iSize   uint64
}

// mountOptions holds which default mount options are recorded in the
// superblock.
type mountOptions struct {
	printDebugInfo                 bool
	newFilesGidContainingDirectory bool
	userspaceExtendedAttributes    bool
	posixACLs                      bool
	use16BitUIDs                   bool
	journalDataAndMetadata         bool
	flushBeforeJournal             bool
	unorderingDataMetadata         bool
	disableWriteFlushes            bool
	trackMetadataBlocks            bool
	discardDeviceSupport           bool
	disableDelayedAllocation       bool
}

// Superblock is component B: the in-memory, process-wide copy of the
// on-disk superblock for a mount.
type Superblock struct {
	inodeCount                   uint32
	blockCount                   uint64
	reservedBlocks               uint64
	freeBlocks                   uint64
	freeInodes                   uint32
	firstDataBlock               uint32
	blockSize                    uint64
	clusterSize                  uint64
	blocksPerGroup               uint32
	clustersPerGroup             uint32
	inodesPerGroup               uint32
	mountTime                    time.Time
	writeTime                    time.Time
	mountCount                   uint16
	mountsToFsck                 uint16
	filesystemState              filesystemState
	errorBehaviour               errorBehaviour
	minorRevision                uint16
	lastCheck                    time.Time
	checkInterval                uint32
	creatorOS                    osFlag
	revisionLevel                uint32
	reservedBlocksDefaultUID     uint16
	reservedBlocksDefaultGID     uint16
	firstNonReservedInode        uint32
	inodeSize                    uint16
	blockGroup                   uint16
	features                     featureFlags
	uuid                         string
	volumeLabel                  string
	lastMountedDirectory         string
	algorithmUsageBitmap         uint32
	preallocationBlocks          byte
	preallocationDirectoryBlocks byte
	reservedGDTBlocks            uint16
	journalSuperblockUUID        string
	journalInode                 uint32
	journalDeviceNumber          uint32
	orphanedInodesStart          uint32
	hashTreeSeed                 [4]uint32
	hashVersion                  hashAlgorithm
	groupDescriptorSize          uint16
	defaultMountOptions          mountOptions
	firstMetablockGroup          uint32
	mkfsTime                     time.Time
	journalBackupType            byte
	journalBackup                journalBackup
	inodeMinBytes                uint16
	inodeReserveBytes            uint16
	miscFlags                    miscFlags
	raidStride                   uint16
	multiMountPreventionInterval uint16
	multiMountProtectionBlock    uint64
	raidStripeWidth              uint32
	logGroupsPerFlex              uint64
	checksumType                 byte
	totalKBWritten                uint64
	snapshotInodeNumber           uint32
	snapshotID                    uint32
	snapshotReservedBlocks        uint64
	snapshotStartInode            uint32
	errorCount                    uint32
	errorFirstTime                time.Time
	errorFirstInode               uint32
	errorFirstBlock               uint64
	errorFirstFunction            string
	errorFirstLine                uint32
	errorLastTime                 time.Time
	errorLastInode                uint32
	errorLastLine                 uint32
	errorLastBlock                uint64
	errorLastFunction             string
	mountOptionsString            string
	userQuotaInode                uint32
	groupQuotaInode               uint32
	overheadBlocks                uint32
	backupSuperblockBlockGroups   [2]uint32
	encryptionAlgorithms          [4]byte
	encryptionSalt                [16]byte
	lostFoundInode                uint32
	projectQuotaInode             uint32
	checksumSeed                  uint32
}

// BlockSize returns the filesystem block size in bytes (1024 << log_block_size).
func (sb *Superblock) BlockSize() uint32 { return uint32(sb.blockSize) }

// BlocksCount returns blocks_count, the authoritative total derived as
// Σ blocks(group_i) (§3 invariant).
func (sb *Superblock) BlocksCount() uint64 { return sb.blockCount }

// InodesCount returns inodes_count.
func (sb *Superblock) InodesCount() uint32 { return sb.inodeCount }

// FreeBlocks/FreeInodes expose the running free counters.
func (sb *Superblock) FreeBlocks() uint64 { return sb.freeBlocks }
func (sb *Superblock) FreeInodes() uint32 { return sb.freeInodes }

// FirstDataBlock is 1 for 1 KiB block filesystems, 0 otherwise.
func (sb *Superblock) FirstDataBlock() uint32 { return sb.firstDataBlock }

// BlocksPerGroup / InodesPerGroup are the per-group geometry constants.
func (sb *Superblock) BlocksPerGroup() uint32 { return sb.blocksPerGroup }
func (sb *Superblock) InodesPerGroup() uint32 { return sb.inodesPerGroup }

// InodeSize is the on-disk size of one inode record.
func (sb *Superblock) InodeSize() uint16 { return sb.inodeSize }

// UUID returns the filesystem UUID as a formatted string.
func (sb *Superblock) UUID() string { return sb.uuid }

// JournalInode returns the reserved inode number carrying the journal's
// data, 0 if there is none.
func (sb *Superblock) JournalInode() uint32 { return sb.journalInode }

// HashSeed/HashVersion back the HTree pass-through (§4.L).
func (sb *Superblock) HashSeed() [4]uint32  { return sb.hashTreeSeed }
func (sb *Superblock) HashVersion() byte    { return byte(sb.hashVersion) }

// ChecksumSeed returns the metadata checksum seed (used instead of UUID
// when incompatFeatureMetadataChecksumSeedInSuperblock is set).
func (sb *Superblock) ChecksumSeed() uint32 { return sb.checksumSeed }

// GroupCount returns the number of block groups implied by blockCount
// and blocksPerGroup, rounding up for a final partial group.
func (sb *Superblock) GroupCount() uint32 {
	if sb.blocksPerGroup == 0 {
		return 0
	}
	n := sb.blockCount - uint64(sb.firstDataBlock)
	bpg := uint64(sb.blocksPerGroup)
	return uint32((n + bpg - 1) / bpg)
}

// GDTChecksumType reports which checksum variant group descriptors use:
// none (pre gdt_csum), CRC16 (gdt_csum only), or CRC32C (metadata_csum).
func (sb *Superblock) GDTChecksumType() gdtChecksumType {
	switch {
	case sb.features.metadataChecksums:
		return gdtChecksumMetadata
	case sb.features.gdtChecksum:
		return gdtChecksumGdt
	default:
		return gdtChecksumNone
	}
}

// Is64Bit reports whether group descriptors use the 64-bit layout.
func (sb *Superblock) Is64Bit() bool { return sb.features.fs64Bit }

// Features exposes the parsed feature flag set.
func (sb *Superblock) Features() featureFlags { return sb.features }

// HasJournal reports whether compat_has_journal is set.
func (sb *Superblock) HasJournal() bool { return sb.features.hasJournal }

// RecoveryNeeded reports whether incompat_recover is set, the bit a
// journal replay pass (§4.N) clears on successful recovery.
func (sb *Superblock) RecoveryNeeded() bool { return sb.features.recoveryNeeded }

// SetRecoveryNeeded sets or clears incompat_recover directly, bypassing
// the normal mount-time feature negotiation: recovery sets it on replay
// failure partway through and clears it once replay completes (§4.N).
func (sb *Superblock) SetRecoveryNeeded(v bool) { sb.features.recoveryNeeded = v }

// MountCount and FilesystemState expose the fields a journal replay's
// superblock-mirror merge (§4.N point 3) must preserve rather than
// overwrite when it writes back the mirrored block.
func (sb *Superblock) MountCount() uint16     { return sb.mountCount }
func (sb *Superblock) FilesystemState() uint16 { return uint16(sb.filesystemState) }

// SuperblockFromBytes parses a 1024-byte superblock record, validating
// magic and (when present) the metadata checksum, per §4.B "read".
func SuperblockFromBytes(b []byte) (*Superblock, error) {
	if len(b) != SuperblockSize {
		return nil, newErr("SuperblockFromBytes", EINVAL, fmt.Errorf("expected %d bytes, got %d", SuperblockSize, len(b)))
	}

	actualSignature := binary.LittleEndian.Uint16(b[0x38:0x3a])
	if actualSignature != superblockSignature {
		return nil, newErr("SuperblockFromBytes", EIO, fmt.Errorf("bad magic %#x, expected %#x", actualSignature, superblockSignature))
	}

	sb := &Superblock{}

	compatFlags := binary.LittleEndian.Uint32(b[0x5c:0x60])
	incompatFlags := binary.LittleEndian.Uint32(b[0x60:0x64])
	roCompatFlags := binary.LittleEndian.Uint32(b[0x64:0x68])
	sb.features = parseFeatureFlags(feature(compatFlags), feature(incompatFlags), feature(roCompatFlags))

	sb.inodeCount = binary.LittleEndian.Uint32(b[0x0:0x4])

	blockCountLo := binary.LittleEndian.Uint32(b[0x4:0x8])
	reservedLo := binary.LittleEndian.Uint32(b[0x8:0xc])
	freeLo := binary.LittleEndian.Uint32(b[0xc:0x10])
	var blockCountHi, reservedHi, freeHi uint32
	if sb.features.fs64Bit {
		blockCountHi = binary.LittleEndian.Uint32(b[0x150:0x154])
		reservedHi = binary.LittleEndian.Uint32(b[0x154:0x158])
		freeHi = binary.LittleEndian.Uint32(b[0x158:0x15c])
	}
	sb.blockCount = uint64(blockCountHi)<<32 | uint64(blockCountLo)
	sb.reservedBlocks = uint64(reservedHi)<<32 | uint64(reservedLo)
	sb.freeBlocks = uint64(freeHi)<<32 | uint64(freeLo)

	sb.freeInodes = binary.LittleEndian.Uint32(b[0x10:0x14])
	sb.firstDataBlock = binary.LittleEndian.Uint32(b[0x14:0x18])
	logBlockSize := binary.LittleEndian.Uint32(b[0x18:0x1c])
	if logBlockSize > 6 {
		return nil, newErr("SuperblockFromBytes", EIO, fmt.Errorf("log_block_size %d implies a block size over 64 KiB", logBlockSize))
	}
	sb.blockSize = 1024 << logBlockSize
	sb.clusterSize = 1 << binary.LittleEndian.Uint32(b[0x1c:0x20])
	sb.blocksPerGroup = binary.LittleEndian.Uint32(b[0x20:0x24])
	sb.clustersPerGroup = binary.LittleEndian.Uint32(b[0x24:0x28])
	sb.inodesPerGroup = binary.LittleEndian.Uint32(b[0x28:0x2c])
	sb.mountTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x2c:0x30])), 0).UTC()
	sb.writeTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x30:0x34])), 0).UTC()
	sb.mountCount = binary.LittleEndian.Uint16(b[0x34:0x36])
	sb.mountsToFsck = binary.LittleEndian.Uint16(b[0x36:0x38])

	sb.filesystemState = filesystemState(binary.LittleEndian.Uint16(b[0x3a:0x3c]))
	sb.errorBehaviour = errorBehaviour(binary.LittleEndian.Uint16(b[0x3c:0x3e]))

	sb.minorRevision = binary.LittleEndian.Uint16(b[0x3e:0x40])
	sb.lastCheck = time.Unix(int64(binary.LittleEndian.Uint32(b[0x40:0x44])), 0).UTC()
	sb.checkInterval = binary.LittleEndian.Uint32(b[0x44:0x48])

	sb.creatorOS = osFlag(binary.LittleEndian.Uint32(b[0x48:0x4c]))
	sb.revisionLevel = binary.LittleEndian.Uint32(b[0x4c:0x50])
	sb.reservedBlocksDefaultUID = binary.LittleEndian.Uint16(b[0x50:0x52])
	sb.reservedBlocksDefaultGID = binary.LittleEndian.Uint16(b[0x52:0x54])

	sb.firstNonReservedInode = binary.LittleEndian.Uint32(b[0x54:0x58])
	sb.inodeSize = binary.LittleEndian.Uint16(b[0x58:0x5a])
	sb.blockGroup = binary.LittleEndian.Uint16(b[0x5a:0x5c])

	voluuid, err := uuid.FromBytes(b[0x68:0x78])
	if err != nil {
		return nil, newErr("SuperblockFromBytes", EIO, fmt.Errorf("volume UUID: %w", err))
	}
	sb.uuid = voluuid.String()
	sb.volumeLabel = trimNUL(b[0x78:0x88])
	sb.lastMountedDirectory = trimNUL(b[0x88:0xc8])
	sb.algorithmUsageBitmap = binary.LittleEndian.Uint32(b[0xc8:0xcc])

	sb.preallocationBlocks = b[0xcc]
	sb.preallocationDirectoryBlocks = b[0xcd]
	sb.reservedGDTBlocks = binary.LittleEndian.Uint16(b[0xce:0xd0])

	journaluuid, err := uuid.FromBytes(b[0xd0:0xe0])
	if err != nil {
		return nil, newErr("SuperblockFromBytes", EIO, fmt.Errorf("journal UUID: %w", err))
	}
	sb.journalSuperblockUUID = journaluuid.String()
	sb.journalInode = binary.LittleEndian.Uint32(b[0xe0:0xe4])
	sb.journalDeviceNumber = binary.LittleEndian.Uint32(b[0xe4:0xe8])
	sb.orphanedInodesStart = binary.LittleEndian.Uint32(b[0xe8:0xec])

	for i := 0; i < 4; i++ {
		sb.hashTreeSeed[i] = binary.LittleEndian.Uint32(b[0xec+4*i : 0xf0+4*i])
	}
	sb.hashVersion = hashAlgorithm(b[0xfc])
	sb.journalBackupType = b[0xfd]
	sb.groupDescriptorSize = binary.LittleEndian.Uint16(b[0xfe:0x100])

	sb.defaultMountOptions = parseMountOptions(binary.LittleEndian.Uint32(b[0x100:0x104]))
	sb.firstMetablockGroup = binary.LittleEndian.Uint32(b[0x104:0x108])
	sb.mkfsTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x108:0x10c])), 0).UTC()

	if sb.journalBackupType == 1 {
		for i := 0; i < 15; i++ {
			sb.journalBackup.iBlocks[i] = binary.LittleEndian.Uint32(b[0x10c+4*i : 0x110+4*i])
		}
		sb.journalBackup.iSize = uint64(binary.LittleEndian.Uint32(b[0x174-4:0x174]))
	}

	sb.inodeMinBytes = binary.LittleEndian.Uint16(b[0x15c:0x15e])
	sb.inodeReserveBytes = binary.LittleEndian.Uint16(b[0x15e:0x160])
	sb.miscFlags = parseMiscFlags(binary.LittleEndian.Uint32(b[0x160:0x164]))

	sb.raidStride = binary.LittleEndian.Uint16(b[0x164:0x166])
	sb.multiMountPreventionInterval = binary.LittleEndian.Uint16(b[0x166:0x168])
	sb.multiMountProtectionBlock = binary.LittleEndian.Uint64(b[0x168:0x170])
	sb.raidStripeWidth = binary.LittleEndian.Uint32(b[0x170:0x174])

	sb.logGroupsPerFlex = 1 << b[0x174]
	if b[0x174] == 0 {
		sb.logGroupsPerFlex = 0
	}
	sb.checksumType = b[0x175]
	if sb.features.metadataChecksums && sb.checksumType != checksumTypeCRC32C {
		return nil, newErr("SuperblockFromBytes", ENOTSUP, fmt.Errorf("unsupported checksum type %d", sb.checksumType))
	}

	sb.totalKBWritten = binary.LittleEndian.Uint64(b[0x178:0x180])

	sb.snapshotInodeNumber = binary.LittleEndian.Uint32(b[0x180:0x184])
	sb.snapshotID = binary.LittleEndian.Uint32(b[0x184:0x188])
	sb.snapshotReservedBlocks = binary.LittleEndian.Uint64(b[0x188:0x190])
	sb.snapshotStartInode = binary.LittleEndian.Uint32(b[0x190:0x194])

	sb.errorCount = binary.LittleEndian.Uint32(b[0x194:0x198])
	sb.errorFirstTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x198:0x19c])), 0).UTC()
	sb.errorFirstInode = binary.LittleEndian.Uint32(b[0x19c:0x1a0])
	sb.errorFirstBlock = binary.LittleEndian.Uint64(b[0x1a0:0x1a8])
	sb.errorFirstFunction = trimNUL(b[0x1a8:0x1c8])
	sb.errorFirstLine = binary.LittleEndian.Uint32(b[0x1c8:0x1cc])
	sb.errorLastTime = time.Unix(int64(binary.LittleEndian.Uint32(b[0x1cc:0x1d0])), 0).UTC()
	sb.errorLastInode = binary.LittleEndian.Uint32(b[0x1d0:0x1d4])
	sb.errorLastLine = binary.LittleEndian.Uint32(b[0x1d4:0x1d8])
	sb.errorLastBlock = binary.LittleEndian.Uint64(b[0x1d8:0x1e0])
	sb.errorLastFunction = trimNUL(b[0x1e0:0x200])

	sb.mountOptionsString = trimNUL(b[0x200:0x240])
	sb.userQuotaInode = binary.LittleEndian.Uint32(b[0x240:0x244])
	sb.groupQuotaInode = binary.LittleEndian.Uint32(b[0x244:0x248])
	sb.overheadBlocks = binary.LittleEndian.Uint32(b[0x248:0x24c])
	sb.backupSuperblockBlockGroups[0] = binary.LittleEndian.Uint32(b[0x24c:0x250])
	sb.backupSuperblockBlockGroups[1] = binary.LittleEndian.Uint32(b[0x250:0x254])
	copy(sb.encryptionAlgorithms[:], b[0x254:0x258])
	copy(sb.encryptionSalt[:], b[0x258:0x268])
	sb.lostFoundInode = binary.LittleEndian.Uint32(b[0x268:0x26c])
	sb.projectQuotaInode = binary.LittleEndian.Uint32(b[0x26c:0x270])

	sb.checksumSeed = binary.LittleEndian.Uint32(b[0x270:0x274])

	if sb.features.metadataChecksums {
		checksum := binary.LittleEndian.Uint32(b[0x3fc:0x400])
		actual := crc.CRC32C(b[0:0x3fc])
		if actual != checksum {
			return nil, newErr("SuperblockFromBytes", EIO, fmt.Errorf("checksum mismatch: on-disk %#x, computed %#x", checksum, actual))
		}
	}

	return sb, nil
}

// ToBytes serializes the superblock, recomputing its checksum when
// metadata checksumming is enabled, per §4.B "write".
func (sb *Superblock) ToBytes() ([]byte, error) {
	b := make([]byte, SuperblockSize)

	binary.LittleEndian.PutUint16(b[0x38:0x3a], superblockSignature)
	compatFlags, incompatFlags, roCompatFlags := sb.features.toInts()
	binary.LittleEndian.PutUint32(b[0x5c:0x60], compatFlags)
	binary.LittleEndian.PutUint32(b[0x60:0x64], incompatFlags)
	binary.LittleEndian.PutUint32(b[0x64:0x68], roCompatFlags)

	binary.LittleEndian.PutUint32(b[0x0:0x4], sb.inodeCount)
	binary.LittleEndian.PutUint32(b[0x4:0x8], uint32(sb.blockCount))
	binary.LittleEndian.PutUint32(b[0x8:0xc], uint32(sb.reservedBlocks))
	binary.LittleEndian.PutUint32(b[0xc:0x10], uint32(sb.freeBlocks))
	if sb.features.fs64Bit {
		binary.LittleEndian.PutUint32(b[0x150:0x154], uint32(sb.blockCount>>32))
		binary.LittleEndian.PutUint32(b[0x154:0x158], uint32(sb.reservedBlocks>>32))
		binary.LittleEndian.PutUint32(b[0x158:0x15c], uint32(sb.freeBlocks>>32))
	}

	binary.LittleEndian.PutUint32(b[0x10:0x14], sb.freeInodes)
	binary.LittleEndian.PutUint32(b[0x14:0x18], sb.firstDataBlock)
	binary.LittleEndian.PutUint32(b[0x18:0x1c], uint32(math.Log2(float64(sb.blockSize))-10))
	binary.LittleEndian.PutUint32(b[0x1c:0x20], uint32(math.Log2(float64(sb.clusterSize))))

	binary.LittleEndian.PutUint32(b[0x20:0x24], sb.blocksPerGroup)
	binary.LittleEndian.PutUint32(b[0x24:0x28], sb.clustersPerGroup)
	binary.LittleEndian.PutUint32(b[0x28:0x2c], sb.inodesPerGroup)
	binary.LittleEndian.PutUint32(b[0x2c:0x30], uint32(sb.mountTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x30:0x34], uint32(sb.writeTime.Unix()))
	binary.LittleEndian.PutUint16(b[0x34:0x36], sb.mountCount)
	binary.LittleEndian.PutUint16(b[0x36:0x38], sb.mountsToFsck)

	binary.LittleEndian.PutUint16(b[0x3a:0x3c], uint16(sb.filesystemState))
	binary.LittleEndian.PutUint16(b[0x3c:0x3e], uint16(sb.errorBehaviour))

	binary.LittleEndian.PutUint16(b[0x3e:0x40], sb.minorRevision)
	binary.LittleEndian.PutUint32(b[0x40:0x44], uint32(sb.lastCheck.Unix()))
	binary.LittleEndian.PutUint32(b[0x44:0x48], sb.checkInterval)

	binary.LittleEndian.PutUint32(b[0x48:0x4c], uint32(sb.creatorOS))
	binary.LittleEndian.PutUint32(b[0x4c:0x50], sb.revisionLevel)
	binary.LittleEndian.PutUint16(b[0x50:0x52], sb.reservedBlocksDefaultUID)
	binary.LittleEndian.PutUint16(b[0x52:0x54], sb.reservedBlocksDefaultGID)

	binary.LittleEndian.PutUint32(b[0x54:0x58], sb.firstNonReservedInode)
	binary.LittleEndian.PutUint16(b[0x58:0x5a], sb.inodeSize)
	binary.LittleEndian.PutUint16(b[0x5a:0x5c], sb.blockGroup)

	parsedUUID, err := uuid.FromString(sb.uuid)
	if err != nil {
		return nil, newErr("Superblock.ToBytes", EINVAL, fmt.Errorf("volume UUID %q: %w", sb.uuid, err))
	}
	copy(b[0x68:0x78], parsedUUID.Bytes())
	copy(b[0x78:0x88], []byte(sb.volumeLabel))
	copy(b[0x88:0xc8], []byte(sb.lastMountedDirectory))

	binary.LittleEndian.PutUint32(b[0xc8:0xcc], sb.algorithmUsageBitmap)
	b[0xcc] = sb.preallocationBlocks
	b[0xcd] = sb.preallocationDirectoryBlocks
	binary.LittleEndian.PutUint16(b[0xce:0xd0], sb.reservedGDTBlocks)

	journalUUID, err := uuid.FromString(sb.journalSuperblockUUID)
	if err != nil {
		return nil, newErr("Superblock.ToBytes", EINVAL, fmt.Errorf("journal UUID %q: %w", sb.journalSuperblockUUID, err))
	}
	copy(b[0xd0:0xe0], journalUUID.Bytes())

	binary.LittleEndian.PutUint32(b[0xe0:0xe4], sb.journalInode)
	binary.LittleEndian.PutUint32(b[0xe4:0xe8], sb.journalDeviceNumber)
	binary.LittleEndian.PutUint32(b[0xe8:0xec], sb.orphanedInodesStart)

	for i := 0; i < 4; i++ {
		binary.LittleEndian.PutUint32(b[0xec+4*i:0xf0+4*i], sb.hashTreeSeed[i])
	}
	b[0xfc] = byte(sb.hashVersion)
	b[0xfd] = sb.journalBackupType
	binary.LittleEndian.PutUint16(b[0xfe:0x100], sb.groupDescriptorSize)

	binary.LittleEndian.PutUint32(b[0x100:0x104], sb.defaultMountOptions.toInt())
	binary.LittleEndian.PutUint32(b[0x104:0x108], sb.firstMetablockGroup)
	binary.LittleEndian.PutUint32(b[0x108:0x10c], uint32(sb.mkfsTime.Unix()))

	if sb.journalBackupType == 1 {
		for i := 0; i < 15; i++ {
			binary.LittleEndian.PutUint32(b[0x10c+4*i:0x110+4*i], sb.journalBackup.iBlocks[i])
		}
		binary.LittleEndian.PutUint32(b[0x174-4:0x174], uint32(sb.journalBackup.iSize))
	}

	binary.LittleEndian.PutUint16(b[0x15c:0x15e], sb.inodeMinBytes)
	binary.LittleEndian.PutUint16(b[0x15e:0x160], sb.inodeReserveBytes)
	binary.LittleEndian.PutUint32(b[0x160:0x164], sb.miscFlags.toInt())

	binary.LittleEndian.PutUint16(b[0x164:0x166], sb.raidStride)
	binary.LittleEndian.PutUint16(b[0x166:0x168], sb.multiMountPreventionInterval)
	binary.LittleEndian.PutUint64(b[0x168:0x170], sb.multiMountProtectionBlock)
	binary.LittleEndian.PutUint32(b[0x170:0x174], sb.raidStripeWidth)

	if sb.logGroupsPerFlex > 0 {
		b[0x174] = byte(math.Log2(float64(sb.logGroupsPerFlex)))
	}
	b[0x175] = sb.checksumType

	binary.LittleEndian.PutUint64(b[0x178:0x180], sb.totalKBWritten)

	binary.LittleEndian.PutUint32(b[0x180:0x184], sb.snapshotInodeNumber)
	binary.LittleEndian.PutUint32(b[0x184:0x188], sb.snapshotID)
	binary.LittleEndian.PutUint64(b[0x188:0x190], sb.snapshotReservedBlocks)
	binary.LittleEndian.PutUint32(b[0x190:0x194], sb.snapshotStartInode)

	binary.LittleEndian.PutUint32(b[0x194:0x198], sb.errorCount)
	binary.LittleEndian.PutUint32(b[0x198:0x19c], uint32(sb.errorFirstTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x19c:0x1a0], sb.errorFirstInode)
	binary.LittleEndian.PutUint64(b[0x1a0:0x1a8], sb.errorFirstBlock)
	copy(b[0x1a8:0x1c8], []byte(sb.errorFirstFunction))
	binary.LittleEndian.PutUint32(b[0x1c8:0x1cc], sb.errorFirstLine)
	binary.LittleEndian.PutUint32(b[0x1cc:0x1d0], uint32(sb.errorLastTime.Unix()))
	binary.LittleEndian.PutUint32(b[0x1d0:0x1d4], sb.errorLastInode)
	binary.LittleEndian.PutUint32(b[0x1d4:0x1d8], sb.errorLastLine)
	binary.LittleEndian.PutUint64(b[0x1d8:0x1e0], sb.errorLastBlock)
	copy(b[0x1e0:0x200], []byte(sb.errorLastFunction))

	copy(b[0x200:0x240], []byte(sb.mountOptionsString))
	binary.LittleEndian.PutUint32(b[0x240:0x244], sb.userQuotaInode)
	binary.LittleEndian.PutUint32(b[0x244:0x248], sb.groupQuotaInode)
	binary.LittleEndian.PutUint32(b[0x248:0x24c], sb.overheadBlocks)
	binary.LittleEndian.PutUint32(b[0x24c:0x250], sb.backupSuperblockBlockGroups[0])
	binary.LittleEndian.PutUint32(b[0x250:0x254], sb.backupSuperblockBlockGroups[1])
	copy(b[0x254:0x258], sb.encryptionAlgorithms[:])
	copy(b[0x258:0x268], sb.encryptionSalt[:])
	binary.LittleEndian.PutUint32(b[0x268:0x26c], sb.lostFoundInode)
	binary.LittleEndian.PutUint32(b[0x26c:0x270], sb.projectQuotaInode)

	binary.LittleEndian.PutUint32(b[0x270:0x274], sb.checksumSeed)

	if sb.features.metadataChecksums {
		checksum := crc.CRC32C(b[0:0x3fc])
		binary.LittleEndian.PutUint32(b[0x3fc:0x400], checksum)
	}

	return b, nil
}

// checksumBase returns the bytes a per-object checksum (inode, bitmap,
// directory tail, extent tail) starts from: either the raw UUID bytes or,
// when the incompat bit is set, the superblock's checksum seed — per the
// on-disk format's "seed in superblock" variant.
func (sb *Superblock) checksumBase() []byte {
	if sb.features.metadataChecksumSeedInSuperblock {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], sb.checksumSeed)
		return buf[:]
	}
	parsed, err := uuid.FromString(sb.uuid)
	if err != nil {
		return nil
	}
	return parsed.Bytes()
}

// supportedCompat, supportedIncompat and supportedROCompat enumerate the
// feature bits this core understands well enough to mount. Anything
// outside supportedIncompat blocks mount outright (§4.B); anything
// outside supportedROCompat forces a read-only mount.
const (
	supportedCompat = compatFeatureDirectoryPreAllocate |
		compatFeatureImagicInodes |
		compatFeatureHasJournal |
		compatFeatureExtendedAttributes |
		compatFeatureReservedGDTBlocksForExpansion |
		compatFeatureDirectoryIndices |
		compatFeatureLazyBlockGroup |
		compatFeatureSparseSuperBlockV2

	supportedIncompat = incompatFeatureDirectoryEntriesRecordFileType |
		incompatFeatureRecoveryNeeded |
		incompatFeatureMetaBlockGroups |
		incompatFeatureExtents |
		incompatFeature64Bit |
		incompatFeatureFlexBlockGroups |
		incompatFeatureMetadataChecksumSeedInSuperblock |
		incompatFeatureLargeDirectory

	supportedROCompat = roCompatFeatureSparseSuperblock |
		roCompatFeatureLargeFile |
		roCompatFeatureHugeFile |
		roCompatFeatureGDTChecksum |
		roCompatFeatureLargeSubdirectoryCount |
		roCompatFeatureLargeInodes |
		roCompatFeatureMetadataChecksums |
		roCompatFeatureReadOnly
)

// CheckFeatures is §4.B "check_features": mount fails outright if any
// incompat bit outside the supported set is on; the mount is forced
// read-only if any ro_compat bit outside the supported set is on.
// Non-goals (quota, encryption, snapshot, resize_inode-online-resize,
// compression, multi-mount protection, POSIX ACLs) are represented only
// as recognized-but-refused bits.
func (sb *Superblock) CheckFeatures(wantReadWrite bool) (forceReadOnly bool, err error) {
	_, incompat, roCompat := sb.features.toInts()
	if unsupported := feature(incompat) &^ supportedIncompat; unsupported != 0 {
		return false, newErr("CheckFeatures", ENOTSUP, fmt.Errorf("unsupported incompatible feature bits %#x", unsupported))
	}
	if unsupported := feature(roCompat) &^ supportedROCompat; unsupported != 0 {
		if wantReadWrite {
			return true, nil
		}
	}
	if sb.features.compression {
		return wantReadWrite, nil // compression: recognized, not implemented (Non-goal)
	}
	return false, nil
}

// MarkMounted transitions state to ERROR_FS (per §4.B: "mount transitions
// state to ERROR_FS and increments mount_count") so that an unclean
// shutdown is detected by the next mount; a clean Unmount restores
// VALID_FS.
func (sb *Superblock) MarkMounted(now time.Time) {
	sb.filesystemState = fsStateErrors
	sb.mountCount++
	sb.mountTime = now
}

// MarkUnmounted restores the clean state on a graceful unmount.
func (sb *Superblock) MarkUnmounted(now time.Time) {
	sb.filesystemState = fsStateCleanlyUnmounted
	sb.writeTime = now
}

func parseMountOptions(flags uint32) mountOptions {
	return mountOptions{
		printDebugInfo:                 flags&uint32(mountPrintDebugInfo) != 0,
		newFilesGidContainingDirectory: flags&uint32(mountNewFilesGidContainingDirectory) != 0,
		userspaceExtendedAttributes:    flags&uint32(mountUserspaceExtendedAttributes) != 0,
		posixACLs:                      flags&uint32(mountPosixACLs) != 0,
		use16BitUIDs:                   flags&uint32(mount16BitUIDs) != 0,
		journalDataAndMetadata:         flags&uint32(mountJournalDataAndMetadata) != 0,
		flushBeforeJournal:             flags&uint32(mountFlushBeforeJournal) != 0,
		unorderingDataMetadata:         flags&uint32(mountUnorderingDataMetadata) != 0,
		disableWriteFlushes:            flags&uint32(mountDisableWriteFlushes) != 0,
		trackMetadataBlocks:            flags&uint32(mountTrackMetadataBlocks) != 0,
		discardDeviceSupport:           flags&uint32(mountDiscardDeviceSupport) != 0,
		disableDelayedAllocation:       flags&uint32(mountDisableDelayedAllocation) != 0,
	}
}

func (m mountOptions) toInt() uint32 {
	var flags uint32
	set := func(b bool, bit mountOption) {
		if b {
			flags |= uint32(bit)
		}
	}
	set(m.printDebugInfo, mountPrintDebugInfo)
	set(m.newFilesGidContainingDirectory, mountNewFilesGidContainingDirectory)
	set(m.userspaceExtendedAttributes, mountUserspaceExtendedAttributes)
	set(m.posixACLs, mountPosixACLs)
	set(m.use16BitUIDs, mount16BitUIDs)
	set(m.journalDataAndMetadata, mountJournalDataAndMetadata)
	set(m.flushBeforeJournal, mountFlushBeforeJournal)
	set(m.unorderingDataMetadata, mountUnorderingDataMetadata)
	set(m.disableWriteFlushes, mountDisableWriteFlushes)
	set(m.trackMetadataBlocks, mountTrackMetadataBlocks)
	set(m.discardDeviceSupport, mountDiscardDeviceSupport)
	set(m.disableDelayedAllocation, mountDisableDelayedAllocation)
	return flags
}

// calculateBackupSuperblocks returns which block groups carry a backup
// superblock when sparse_super is set: group 0, 1, and powers of 3, 5, 7.
func calculateBackupSuperblocks(groupCount uint32) map[uint32]bool {
	backups := map[uint32]bool{0: true}
	if groupCount > 1 {
		backups[1] = true
	}
	for _, base := range []uint32{3, 5, 7} {
		for p := base; p < groupCount; p *= base {
			backups[p] = true
		}
	}
	return backups
}

func trimNUL(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
