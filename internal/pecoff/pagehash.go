package pecoff

import (
	"encoding/binary"
	"hash"
)

// pageSize is the page granularity Authenticode page hashes are computed
// over for every machine type this signer targets (x86, x86_64, ARM,
// AArch64, RISC-V64); only Itanium uses an 8KB page, and that
// architecture never carries a UEFI Secure Boot image.
const pageSize = 4096

// PageHash is a single page-hash record: the file offset a page starts
// at, and the digest of that page's (zero-padded) contents.
type PageHash struct {
	Offset uint32
	Digest []byte
}

// PageHashes computes one digest per pageSize chunk, counted from the
// section's start, of every section's raw data that falls within the
// Authenticode-covered range, in ascending file-offset order, followed by
// a terminating entry at the end of the covered range whose digest is all
// zero bytes. This lets a verifier check a
// single page of a large image without re-hashing the whole file.
func (img *Image) PageHashes(newHash func() hash.Hash) []PageHash {
	end := img.digestEnd()
	sorted := make([]section, len(img.sections))
	copy(sorted, img.sections)
	sortSectionsByOffset(sorted)

	var pages []PageHash
	for _, s := range sorted {
		if s.sizeOfRawData == 0 {
			continue
		}
		start := int64(s.pointerToRawData)
		finish := start + int64(s.sizeOfRawData)
		if finish > end {
			finish = end
		}
		for pos := start; pos < finish; pos += pageSize {
			chunkEnd := pos + pageSize
			if chunkEnd > finish {
				chunkEnd = finish
			}
			h := newHash()
			h.Write(img.buf[pos:chunkEnd])
			if pad := pageSize - (chunkEnd - pos); pad > 0 {
				h.Write(make([]byte, pad))
			}
			pages = append(pages, PageHash{Offset: uint32(pos), Digest: h.Sum(nil)})
		}
	}
	pages = append(pages, PageHash{Offset: uint32(end), Digest: make([]byte, newHash().Size())})
	return pages
}

func sortSectionsByOffset(s []section) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].pointerToRawData < s[j-1].pointerToRawData; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// MarshalPageHashes packs page hash records into the flat
// offset||digest||offset||digest... form SpcAttributePageHashes carries.
func MarshalPageHashes(pages []PageHash) []byte {
	if len(pages) == 0 {
		return nil
	}
	digestSize := len(pages[0].Digest)
	buf := make([]byte, 0, len(pages)*(4+digestSize))
	for _, p := range pages {
		var off [4]byte
		binary.LittleEndian.PutUint32(off[:], p.Offset)
		buf = append(buf, off[:]...)
		buf = append(buf, p.Digest...)
	}
	return buf
}
