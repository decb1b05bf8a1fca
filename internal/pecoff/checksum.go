package pecoff

import (
	"encoding/binary"
	"errors"
	"hash"
)

// An undocumented, non-CRC checksum used in PE images.
// https://www.codeproject.com/Articles/19326/An-Analysis-of-the-Windows-PE-Checksum-Algorithm

// fixChecksum recomputes the PE checksum over the current buffer and
// patches it into the optional header's CheckSum field.
func (img *Image) fixChecksum() {
	ck := newPEChecksum(int(img.checksumOffset))
	ck.Write(img.buf)
	binary.LittleEndian.PutUint32(img.buf[img.checksumOffset:img.checksumOffset+4], binary.LittleEndian.Uint32(ck.Sum(nil)))
}

// peChecksum's Write/Sum/Size/BlockSize/Reset are a direct port of the
// teacher's lib/authenticode/checksum.go hasher; the algorithm is fixed,
// nothing to adapt.
type peChecksum struct {
	cksumPos  int
	sum, size uint32
	odd       bool
}

// newPEChecksum returns a hash.Hash computing the PE checksum. cksumPos is
// the file offset of the 4-byte CheckSum field, which is treated as zero
// while summing.
func newPEChecksum(cksumPos int) hash.Hash {
	return &peChecksum{cksumPos: cksumPos}
}

func (peChecksum) Size() int { return 4 }

func (peChecksum) BlockSize() int { return 2 }

func (h *peChecksum) Reset() {
	h.cksumPos = -1
	h.sum = 0
	h.size = 0
}

func (h *peChecksum) Write(d []byte) (int, error) {
	n := len(d)
	if h.odd {
		return 0, errors.New("pecoff: odd-sized write to checksum hash")
	} else if n%2 != 0 {
		h.odd = true
		d2 := make([]byte, n+1)
		copy(d2, d)
		d = d2
	}
	ckpos := -1
	if h.cksumPos > n {
		h.cksumPos -= n
	} else if h.cksumPos >= 0 {
		ckpos = h.cksumPos
		h.cksumPos = -1
	}
	sum := h.sum
	for i := 0; i < n; i += 2 {
		val := uint32(d[i+1])<<8 | uint32(d[i])
		if i == ckpos || i == ckpos+2 {
			val = 0
		}
		sum += val
		sum = 0xffff & (sum + (sum >> 16))
	}
	h.sum = sum
	h.size += uint32(n)
	return n, nil
}

func (h *peChecksum) Sum(buf []byte) []byte {
	sum := h.sum
	sum = 0xffff & (sum + (sum >> 16))
	sum += h.size
	d := make([]byte, 4)
	binary.LittleEndian.PutUint32(d, sum)
	return append(buf, d...)
}
