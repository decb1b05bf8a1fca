// Package pecoff implements the PE/COFF image model: parsing, validation,
// the Authenticode byte-range rules, and rewriting the certificate table.
//
// An Image owns one contiguous byte buffer. Every other field is an offset
// into that buffer, never a copy, so appending a signature only needs to
// grow the buffer and patch eight bytes of header.
package pecoff

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/uefisign/uefisign/internal/atomicfile"
	"github.com/uefisign/uefisign/internal/sberrors"
)

const (
	// Optional header magics (PE format, "Optional Header (Image Only)").
	MagicPE32     = 0x10b
	MagicPE32Plus = 0x20b

	dosHeaderSize     = 64
	coffHeaderSize    = 20
	dataDirCertIndex  = 4
	dataDirEntrySize  = 8 // VirtualAddress uint32 + Size uint32
	sectionHeaderSize = 40

	certEntryHeaderSize = 8 // dwLength + wRevision + wCertificateType
	certRevision        = 0x0200
	certTypePKCS7       = 0x0002
)

// section is the handful of section-header fields the signer cares about.
type section struct {
	pointerToRawData uint32
	sizeOfRawData    uint32
}

// Image is a parsed PE/COFF file: an owned buffer plus a view of offsets
// into it.
type Image struct {
	buf []byte

	peStart          int64
	optHeaderOffset  int64
	optMagic         uint16
	checksumOffset   int64 // offset of the 4-byte CheckSum field
	certDirOffset    int64 // offset of the 8-byte data directory entry for the cert table
	sizeOfHeaders    int64
	fileAlignment    uint32
	sectionTableOff  int64
	numberOfSections int
	sections         []section

	certTableStart int64 // file offset named by the cert data directory (0 if none)
	certTableSize  int64
}

func ioErr(path string, err error) error {
	return &sberrors.IOFailureError{Path: path, Err: err}
}

func invalid(reason string) error {
	return &sberrors.InvalidImageError{Reason: reason}
}

// Load reads path fully into memory and parses it as a PE/COFF image.
func Load(path string) (*Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, ioErr(path, err)
	}
	img, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Parse validates and builds an Image view over an in-memory PE/COFF
// buffer. The buffer is retained, not copied.
func Parse(buf []byte) (*Image, error) {
	img := &Image{buf: buf}
	if err := img.parseDOSHeader(); err != nil {
		return nil, err
	}
	if err := img.parseCOFFHeader(); err != nil {
		return nil, err
	}
	if err := img.parseOptionalHeader(); err != nil {
		return nil, err
	}
	if err := img.parseSections(); err != nil {
		return nil, err
	}
	if err := img.validateCertTable(); err != nil {
		return nil, err
	}
	return img, nil
}

func (img *Image) parseDOSHeader() error {
	if len(img.buf) < dosHeaderSize {
		return invalid("file shorter than DOS header")
	}
	if img.buf[0] != 'M' || img.buf[1] != 'Z' {
		return invalid("missing MZ signature")
	}
	peStart := int64(binary.LittleEndian.Uint32(img.buf[0x3c:0x40]))
	if peStart < dosHeaderSize || peStart%4 != 0 {
		return invalid("e_lfanew is out of range or misaligned")
	}
	if peStart+4+coffHeaderSize > int64(len(img.buf)) {
		return invalid("file shorter than PE header")
	}
	img.peStart = peStart
	return nil
}

func (img *Image) parseCOFFHeader() error {
	sig := img.buf[img.peStart : img.peStart+4]
	if sig[0] != 'P' || sig[1] != 'E' || sig[2] != 0 || sig[3] != 0 {
		return invalid("missing PE signature")
	}
	coffOff := img.peStart + 4
	numSections := binary.LittleEndian.Uint16(img.buf[coffOff+2 : coffOff+4])
	sizeOptHeader := binary.LittleEndian.Uint16(img.buf[coffOff+16 : coffOff+18])
	img.optHeaderOffset = coffOff + coffHeaderSize
	img.numberOfSections = int(numSections)
	img.sectionTableOff = img.optHeaderOffset + int64(sizeOptHeader)
	if img.sectionTableOff > int64(len(img.buf)) {
		return invalid("optional header runs past end of file")
	}
	return nil
}

func (img *Image) parseOptionalHeader() error {
	o := img.optHeaderOffset
	if o+2 > int64(len(img.buf)) {
		return invalid("file shorter than optional header")
	}
	magic := binary.LittleEndian.Uint16(img.buf[o : o+2])
	img.optMagic = magic
	img.checksumOffset = o + 64

	var numRvaAndSizes uint32
	var sizeOfHeaders uint32
	var fileAlignment uint32
	var ddOffset int64
	switch magic {
	case MagicPE32:
		if o+96+4 > int64(len(img.buf)) {
			return invalid("optional header (PE32) truncated")
		}
		fileAlignment = binary.LittleEndian.Uint32(img.buf[o+36 : o+40])
		sizeOfHeaders = binary.LittleEndian.Uint32(img.buf[o+60 : o+64])
		numRvaAndSizes = binary.LittleEndian.Uint32(img.buf[o+92 : o+96])
		ddOffset = o + 96
	case MagicPE32Plus:
		if o+108+4 > int64(len(img.buf)) {
			return invalid("optional header (PE32+) truncated")
		}
		fileAlignment = binary.LittleEndian.Uint32(img.buf[o+36 : o+40])
		sizeOfHeaders = binary.LittleEndian.Uint32(img.buf[o+60 : o+64])
		numRvaAndSizes = binary.LittleEndian.Uint32(img.buf[o+108 : o+112])
		ddOffset = o + 112
	default:
		return invalid(fmt.Sprintf("unrecognized optional header magic 0x%x", magic))
	}
	if numRvaAndSizes <= dataDirCertIndex {
		return invalid("optional header does not have a certificate-table data directory")
	}
	img.certDirOffset = ddOffset + dataDirCertIndex*dataDirEntrySize
	if img.certDirOffset+dataDirEntrySize > int64(len(img.buf)) {
		return invalid("certificate data directory runs past end of file")
	}
	if img.certDirOffset+dataDirEntrySize > img.sectionTableOff {
		return invalid("certificate data directory overlaps section table")
	}
	img.sizeOfHeaders = int64(sizeOfHeaders)
	img.fileAlignment = fileAlignment
	if img.fileAlignment == 0 {
		img.fileAlignment = 1
	}
	return nil
}

func (img *Image) parseSections() error {
	end := img.sectionTableOff + int64(img.numberOfSections)*sectionHeaderSize
	if end > int64(len(img.buf)) {
		return invalid("section table runs past end of file")
	}
	sections := make([]section, img.numberOfSections)
	prevEnd := int64(-1)
	for i := 0; i < img.numberOfSections; i++ {
		off := img.sectionTableOff + int64(i)*sectionHeaderSize
		ptr := binary.LittleEndian.Uint32(img.buf[off+20 : off+24])
		size := binary.LittleEndian.Uint32(img.buf[off+16 : off+20])
		sections[i] = section{pointerToRawData: ptr, sizeOfRawData: size}
		if size == 0 {
			continue
		}
		start := int64(ptr)
		finish := start + int64(size)
		if finish > int64(len(img.buf)) {
			return invalid(fmt.Sprintf("section %d extends past end of file", i))
		}
		if start < prevEnd {
			return invalid(fmt.Sprintf("section %d overlaps a preceding section", i))
		}
		prevEnd = finish
	}
	img.sections = sections
	return nil
}

func (img *Image) validateCertTable() error {
	va := binary.LittleEndian.Uint32(img.buf[img.certDirOffset : img.certDirOffset+4])
	size := binary.LittleEndian.Uint32(img.buf[img.certDirOffset+4 : img.certDirOffset+8])
	if size == 0 {
		return nil
	}
	start := int64(va)
	finish := start + int64(size)
	if start%8 != 0 {
		return invalid("certificate table is not 8-byte aligned")
	}
	if finish > int64(len(img.buf)) {
		return invalid("certificate table runs past end of file")
	}
	if finish != int64(len(img.buf)) {
		return invalid("certificate table is not located at end of file")
	}
	for _, s := range img.sections {
		if s.sizeOfRawData == 0 {
			continue
		}
		if start < int64(s.pointerToRawData)+int64(s.sizeOfRawData) {
			return invalid("certificate table overlaps a section")
		}
	}
	// Each entry's length (header included, padding excluded) must be at
	// least a header long, and the padded entries must exactly fill the
	// table; otherwise the entries overlap or run past the table.
	for pos := start; pos < finish; {
		if pos+certEntryHeaderSize > finish {
			return invalid("certificate table entry header runs past the table")
		}
		length := int64(binary.LittleEndian.Uint32(img.buf[pos : pos+4]))
		if length < certEntryHeaderSize || pos+align8(length) > finish {
			return invalid("certificate table entry length is out of range")
		}
		pos += align8(length)
	}
	img.certTableStart = start
	img.certTableSize = int64(size)
	return nil
}

// endOfHeaders returns the file offset where section data begins: the
// optional header's SizeOfHeaders value, used as stored.
func (img *Image) endOfHeaders() int64 {
	return img.sizeOfHeaders
}

// endOfSections returns the file offset just past the last section's raw
// data, or endOfHeaders() if there are no sections with data.
func (img *Image) endOfSections() int64 {
	end := img.endOfHeaders()
	for _, s := range img.sections {
		if s.sizeOfRawData == 0 {
			continue
		}
		finish := int64(s.pointerToRawData) + int64(s.sizeOfRawData)
		if finish > end {
			end = finish
		}
	}
	return end
}

// CertificateCount returns how many WIN_CERTIFICATE entries are currently
// in the certificate table.
func (img *Image) CertificateCount() int {
	n := 0
	img.walkCertEntries(func(int64, int64) { n++ })
	return n
}

func (img *Image) walkCertEntries(visit func(payloadStart, payloadLen int64)) {
	pos := img.certTableStart
	end := img.certTableStart + img.certTableSize
	for pos < end {
		length := int64(binary.LittleEndian.Uint32(img.buf[pos : pos+4]))
		padded := align8(length)
		visit(pos+certEntryHeaderSize, length-certEntryHeaderSize)
		pos += padded
	}
}

// EntryPayload returns the signature bytes (without the WIN_CERTIFICATE
// header) of the index-th certificate table entry, in the order they
// appear in the file.
func (img *Image) EntryPayload(index int) ([]byte, error) {
	var result []byte
	i := 0
	img.walkCertEntries(func(start, length int64) {
		if i == index {
			result = img.buf[start : start+length]
		}
		i++
	})
	if result == nil {
		return nil, fmt.Errorf("pecoff: no certificate table entry at index %d", index)
	}
	return result, nil
}

func align8(n int64) int64 {
	return (n + 7) &^ 7
}

// AppendSignature appends sig as a new WIN_CERTIFICATE entry of type
// PKCS_SIGNED_DATA at the end of the certificate table, updating the
// certificate-table data directory and growing the image buffer.
func (img *Image) AppendSignature(sig []byte) error {
	entryLen := int64(certEntryHeaderSize + len(sig))
	paddedLen := align8(entryLen)

	var tableStart int64
	if img.certTableSize == 0 {
		tableStart = align8(int64(len(img.buf)))
	} else {
		tableStart = img.certTableStart
	}
	padBeforeTable := tableStart - int64(len(img.buf))

	newBuf := make([]byte, 0, len(img.buf)+int(padBeforeTable)+int(paddedLen))
	newBuf = append(newBuf, img.buf...)
	if padBeforeTable > 0 {
		newBuf = append(newBuf, make([]byte, padBeforeTable)...)
	}

	header := make([]byte, certEntryHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], uint32(entryLen))
	binary.LittleEndian.PutUint16(header[4:6], certRevision)
	binary.LittleEndian.PutUint16(header[6:8], certTypePKCS7)
	newBuf = append(newBuf, header...)
	newBuf = append(newBuf, sig...)
	if pad := paddedLen - entryLen; pad > 0 {
		newBuf = append(newBuf, make([]byte, pad)...)
	}

	newTableSize := img.certTableSize + paddedLen
	img.buf = newBuf
	img.certTableStart = tableStart
	img.certTableSize = newTableSize

	binary.LittleEndian.PutUint32(img.buf[img.certDirOffset:img.certDirOffset+4], uint32(tableStart))
	binary.LittleEndian.PutUint32(img.buf[img.certDirOffset+4:img.certDirOffset+8], uint32(newTableSize))
	return nil
}

// Write recomputes the PE checksum and atomically writes the full image
// buffer to path.
func (img *Image) Write(path string) error {
	img.fixChecksum()
	if err := atomicfile.WriteFile(path, img.buf); err != nil {
		return ioErr(path, err)
	}
	return nil
}

// WriteDetached writes the raw signature bytes of the index-th
// certificate-table entry (without its WIN_CERTIFICATE header) to path.
func (img *Image) WriteDetached(index int, path string) error {
	payload, err := img.EntryPayload(index)
	if err != nil {
		return invalid(err.Error())
	}
	if err := atomicfile.WriteFile(path, payload); err != nil {
		return ioErr(path, err)
	}
	return nil
}

// Bytes returns the current image buffer. Callers must not retain it
// across a subsequent AppendSignature call.
func (img *Image) Bytes() []byte {
	return img.buf
}
