package partition

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/minio/sha256-simd"
)

const (
	imageMagic       = 0xE9
	imageHeaderSize  = 24
	segmentHeaderLen = 8
	maxSegments      = 16
	appDescMagic     = 0xABCD5432
	appDescOffset    = imageHeaderSize + segmentHeaderLen
	digestSize       = 32
)

// ErrInvalidImage is returned when an application image header is corrupt.
var ErrInvalidImage = errors.New("invalid application image")

// Image describes the layout of an application image in flash.
type Image struct {
	Segments     int
	Length       uint32 // including checksum and appended digest
	HashAppended bool
	// DigestOffset is where the appended SHA-256 starts; valid if HashAppended.
	DigestOffset uint32
}

// ParseImage walks the image header and segment headers of the image at the
// start of r. Only headers are read, never segment data.
func ParseImage(r io.ReaderAt, limit uint32) (*Image, error) {
	hdr := make([]byte, imageHeaderSize)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	if hdr[0] != imageMagic {
		return nil, fmt.Errorf("%w: magic 0x%02X", ErrInvalidImage, hdr[0])
	}

	img := &Image{
		Segments:     int(hdr[1]),
		HashAppended: hdr[23] == 1,
	}
	if img.Segments == 0 || img.Segments > maxSegments {
		return nil, fmt.Errorf("%w: %d segments", ErrInvalidImage, img.Segments)
	}

	pos := uint32(imageHeaderSize)
	seg := make([]byte, segmentHeaderLen)
	for i := 0; i < img.Segments; i++ {
		if _, err := r.ReadAt(seg, int64(pos)); err != nil {
			return nil, fmt.Errorf("read segment %d header: %w", i, err)
		}
		dataLen := binary.LittleEndian.Uint32(seg[4:8])
		pos += segmentHeaderLen + dataLen
		if pos > limit {
			return nil, fmt.Errorf("%w: segment %d ends at 0x%X beyond 0x%X", ErrInvalidImage, i, pos, limit)
		}
	}

	// checksum byte is the last byte of the next 16-byte block
	pos += 16 - pos%16
	img.Length = pos
	if img.HashAppended {
		img.DigestOffset = pos
		img.Length += digestSize
	}
	if img.Length > limit {
		return nil, fmt.Errorf("%w: length 0x%X beyond 0x%X", ErrInvalidImage, img.Length, limit)
	}
	return img, nil
}

// AppDescriptor is the esp_app_desc_t embedded at the start of the first
// segment of every application image.
type AppDescriptor struct {
	SecureVersion uint32
	Version       string
	ProjectName   string
	Time          string
	Date          string
	IDFVersion    string
	ELFSHA256     [32]byte
}

type rawAppDesc struct {
	Magic         uint32
	SecureVersion uint32
	Reserved      [2]uint32
	Version       [32]byte
	ProjectName   [32]byte
	Time          [16]byte
	Date          [16]byte
	IDFVersion    [32]byte
	ELFSHA256     [32]byte
}

// ParseAppDescriptor reads the application descriptor of the image at the
// start of r.
func ParseAppDescriptor(r io.ReaderAt) (*AppDescriptor, error) {
	buf := make([]byte, binary.Size(rawAppDesc{}))
	if _, err := r.ReadAt(buf, appDescOffset); err != nil {
		return nil, fmt.Errorf("read app descriptor: %w", err)
	}

	var raw rawAppDesc
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &raw); err != nil {
		return nil, fmt.Errorf("decode app descriptor: %w", err)
	}
	if raw.Magic != appDescMagic {
		return nil, fmt.Errorf("%w: app descriptor magic 0x%08X", ErrInvalidImage, raw.Magic)
	}

	return &AppDescriptor{
		SecureVersion: raw.SecureVersion,
		Version:       cString(raw.Version[:]),
		ProjectName:   cString(raw.ProjectName[:]),
		Time:          cString(raw.Time[:]),
		Date:          cString(raw.Date[:]),
		IDFVersion:    cString(raw.IDFVersion[:]),
		ELFSHA256:     raw.ELFSHA256,
	}, nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// ImageDigest returns the SHA-256 that identifies the image at the start of
// r: the appended digest when present, otherwise the hash of the image bytes.
func ImageDigest(r io.ReaderAt, limit uint32) ([32]byte, error) {
	var digest [32]byte

	img, err := ParseImage(r, limit)
	if err != nil {
		return digest, err
	}

	if img.HashAppended {
		if _, err := r.ReadAt(digest[:], int64(img.DigestOffset)); err != nil {
			return digest, fmt.Errorf("read appended digest: %w", err)
		}
		return digest, nil
	}
	return RegionDigest(r, img.Length)
}

// RegionDigest hashes the first size bytes of r.
func RegionDigest(r io.ReaderAt, size uint32) ([32]byte, error) {
	var digest [32]byte

	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(r, 0, int64(size))); err != nil {
		return digest, fmt.Errorf("hash region: %w", err)
	}
	copy(digest[:], h.Sum(nil))
	return digest, nil
}
