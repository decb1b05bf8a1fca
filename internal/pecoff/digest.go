package pecoff

import (
	"crypto"
	"hash"
	"sort"
)

// Range is a half-open byte range [Start, End) within the image buffer.
type Range struct {
	Start, End int64
}

// AuthenticodeRegions returns the byte ranges of the image that participate
// in the Authenticode digest, in hashing order:
//
//  1. everything up to the checksum field
//  2. the checksum field is skipped
//  3. everything from just past the checksum up to the certificate-table
//     data directory entry
//  4. the data directory entry itself is skipped
//  5. everything from just past the data directory entry up to the start
//     of the certificate table (headers, then every section's raw data,
//     in file order)
//
// The certificate table itself, and any trailing data past it, are never
// part of the digest.
func (img *Image) AuthenticodeRegions() []Range {
	var regions []Range
	add := func(start, end int64) {
		if end > start {
			regions = append(regions, Range{start, end})
		}
	}

	add(0, img.checksumOffset)
	add(img.checksumOffset+4, img.certDirOffset)
	add(img.certDirOffset+dataDirEntrySize, img.endOfHeaders())

	end := img.digestEnd()
	sorted := make([]section, len(img.sections))
	copy(sorted, img.sections)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].pointerToRawData < sorted[j].pointerToRawData
	})
	for _, s := range sorted {
		if s.sizeOfRawData == 0 {
			continue
		}
		start := int64(s.pointerToRawData)
		finish := start + int64(s.sizeOfRawData)
		if finish > end {
			finish = end
		}
		if start >= end {
			continue
		}
		add(start, finish)
	}

	// Any bytes after the last section but before the certificate table
	// (or end of file, if unsigned) are part of the image too: this is
	// where relocation or debug data without its own section sometimes
	// lives.
	lastEnd := img.endOfHeaders()
	for _, s := range sorted {
		if s.sizeOfRawData == 0 {
			continue
		}
		finish := int64(s.pointerToRawData) + int64(s.sizeOfRawData)
		if finish > lastEnd {
			lastEnd = finish
		}
	}
	add(lastEnd, end)
	return regions
}

// digestEnd is the file offset where the hashed region stops: the start of
// the certificate table if one is present, otherwise the end of the file.
func (img *Image) digestEnd() int64 {
	if img.certTableSize > 0 {
		return img.certTableStart
	}
	return int64(len(img.buf))
}

// Digest computes the Authenticode digest of the image under the given
// hash algorithm.
func (img *Image) Digest(newHash func() hash.Hash) []byte {
	h := newHash()
	for _, r := range img.AuthenticodeRegions() {
		h.Write(img.buf[r.Start:r.End])
	}
	return h.Sum(nil)
}

// DigestHash is a convenience wrapper around Digest for a crypto.Hash.
func (img *Image) DigestHash(alg crypto.Hash) []byte {
	return img.Digest(alg.New)
}
