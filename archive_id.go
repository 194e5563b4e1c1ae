// archive_id.go
//
// Archive identity for SqPack containers.
// Every asset path maps to exactly one *(category root, expansion, part)*
// triple, and every packed-archive file on disk encodes the same triple in
// its name ("040100.win32.index" is chara, ex1, part 0). The overlay uses the
// triple as the registry key that joins override files to the archive they
// patch.

package vsqpack

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	archivePlatform = ".win32."
	indexExt        = "index"
	index2Ext       = "index2"
	datExt          = "dat"

	// baseExpansionDir is the folder that holds expansion 0 archives.
	baseExpansionDir = "ffxiv"
)

// category describes one top-level asset folder.
type category struct {
	// root is the first byte of the archive identity.
	root uint8

	// partitions is the number of archive parts the category is spread
	// over when the path does not carry an explicit part prefix.
	partitions uint32
}

// categories maps top-level asset folders to their archive root byte.
var categories = map[string]category{
	"common":      {root: 0x00, partitions: 1},
	"bgcommon":    {root: 0x01, partitions: 1},
	"bg":          {root: 0x02, partitions: 1},
	"cut":         {root: 0x03, partitions: 1},
	"chara":       {root: 0x04, partitions: 1},
	"shader":      {root: 0x05, partitions: 1},
	"ui":          {root: 0x06, partitions: 1},
	"sound":       {root: 0x07, partitions: 1},
	"vfx":         {root: 0x08, partitions: 1},
	"ui_script":   {root: 0x09, partitions: 1},
	"exd":         {root: 0x0a, partitions: 1},
	"game_script": {root: 0x0b, partitions: 1},
	"music":       {root: 0x0c, partitions: 1},
	"sqpack_test": {root: 0x12, partitions: 1},
	"debug":       {root: 0x13, partitions: 1},
}

// ArchiveID identifies one packed archive: an .index file plus its .datN
// companions.
//
// The value is comparable and is used directly as a map key.
type ArchiveID struct {
	Root      uint8
	Expansion uint8
	Part      uint8
}

// String returns the six hex digits used in archive file names.
func (id ArchiveID) String() string {
	return fmt.Sprintf("%02x%02x%02x", id.Root, id.Expansion, id.Part)
}

// Dir returns the expansion folder that holds the archive files:
// "ffxiv" for expansion 0, "exN" otherwise.
func (id ArchiveID) Dir() string {
	if id.Expansion == 0 {
		return baseExpansionDir
	}
	return "ex" + strconv.Itoa(int(id.Expansion))
}

// IndexFileName returns the archive's index file name, e.g. "000000.win32.index".
func (id ArchiveID) IndexFileName() string { return id.String() + archivePlatform + indexExt }

// DatFileName returns the name of data file n, e.g. "000000.win32.dat0".
func (id ArchiveID) DatFileName(n uint32) string {
	return id.String() + archivePlatform + datExt + strconv.FormatUint(uint64(n), 10)
}

// ParseArchivePath derives the archive identity for an asset path such as
// "common/font/font1.tex" or "bg/ex1/01_roc_r2/...".
//
// The category folder selects Root. A second segment of the form "exN"
// selects Expansion N ("ffxiv" or anything else selects 0). Inside an
// expansion folder a third segment starting with two decimal digits and an
// underscore names the Part directly; otherwise Part is the path hash of the
// whole path modulo the category's partition count.
//
// ErrEmptyPath and ErrUnrecognizedCategory report paths that cannot belong
// to any archive.
func ParseArchivePath(assetPath string) (ArchiveID, error) {
	p := strings.ToLower(NormalizePath(assetPath))
	if p == "" {
		return ArchiveID{}, fmt.Errorf("%w: %q", ErrEmptyPath, assetPath)
	}

	segs := strings.Split(p, "/")
	cat, ok := categories[segs[0]]
	if !ok || len(segs) < 2 {
		return ArchiveID{}, fmt.Errorf("%w: %q", ErrUnrecognizedCategory, assetPath)
	}

	id := ArchiveID{Root: cat.root}
	if len(segs) > 2 {
		id.Expansion = parseExpansionDir(segs[1])
	}

	if id.Expansion > 0 && len(segs) > 3 {
		if part, ok := parsePartPrefix(segs[2]); ok {
			id.Part = part
			return id, nil
		}
	}

	id.Part = partOf(p, cat.partitions)
	return id, nil
}

// parseExpansionDir returns N for "exN" and 0 for everything else.
func parseExpansionDir(seg string) uint8 {
	if !strings.HasPrefix(seg, "ex") {
		return 0
	}
	n, err := strconv.ParseUint(seg[2:], 10, 8)
	if err != nil {
		return 0
	}
	return uint8(n)
}

// parsePartPrefix reads the "NN_" prefix of an expansion zone folder.
func parsePartPrefix(seg string) (uint8, bool) {
	if len(seg) < 3 || seg[2] != '_' {
		return 0, false
	}
	n, err := strconv.ParseUint(seg[:2], 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}

// partOf hashes a lower-cased asset path into one of partitions parts.
func partOf(p string, partitions uint32) uint8 {
	if partitions <= 1 {
		return 0
	}
	return uint8(jamcrc(p) % partitions)
}

// ParseArchiveFileName derives the archive identity from a packed-archive
// file name ("0a0000.win32.dat0", "040100.win32.index"). Directory
// components are ignored.
//
// ErrMalformedArchiveName is returned when the name does not match the
// pattern.
func ParseArchiveFileName(name string) (ArchiveID, error) {
	id, _, _, err := parseArchiveFileName(name)
	return id, err
}

// parseArchiveFileName parses name and also reports which sub-file it
// denotes. dat is only meaningful for SubFileData.
func parseArchiveFileName(name string) (id ArchiveID, kind SubFile, dat uint32, err error) {
	base := strings.ToLower(filepath.Base(strings.ReplaceAll(name, `\`, "/")))
	malformed := fmt.Errorf("%w: %q", ErrMalformedArchiveName, name)

	if len(base) < 6+len(archivePlatform) || base[6:6+len(archivePlatform)] != archivePlatform {
		return ArchiveID{}, 0, 0, malformed
	}

	var raw [3]byte
	if _, err := hex.Decode(raw[:], []byte(base[:6])); err != nil {
		return ArchiveID{}, 0, 0, malformed
	}
	id = ArchiveID{Root: raw[0], Expansion: raw[1], Part: raw[2]}

	switch ext := base[6+len(archivePlatform):]; {
	case ext == indexExt:
		return id, SubFileIndex, 0, nil
	case ext == index2Ext:
		return id, SubFileIndex2, 0, nil
	case strings.HasPrefix(ext, datExt):
		n, perr := strconv.ParseUint(ext[len(datExt):], 10, 32)
		if perr != nil {
			return ArchiveID{}, 0, 0, malformed
		}
		return id, SubFileData, uint32(n), nil
	default:
		return ArchiveID{}, 0, 0, malformed
	}
}
