// Package container implements the streaming authenticated-encryption format
// used to persist media files in the vault.
//
// Layout:
//
//	MAGIC(4) | VERSION(1) | MEDIA_TYPE(1) | CHUNK_SIZE(4 BE) | ORIGINAL_SIZE(8 BE)
//	chunk*   where chunk = LEN(4 BE) | NONCE(12) | SEALED(LEN)
//	SENTINEL = LEN(4 BE) == 0
//	COMPLETION_MARKER
//
// SEALED is AES-256-GCM over at most CHUNK_SIZE plaintext bytes with the
// 18 header bytes and the big-endian chunk index as associated data. Every
// container has at least one data chunk, so an empty file still carries an
// authenticated header.
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

const (
	// HeaderSize is the encoded size of Header.
	HeaderSize = 18

	// Version1 is the only stream version this package writes.
	Version1 uint8 = 1

	DefaultChunkSize = 4 << 20
	MinChunkSize     = 16
	MaxChunkSize     = 16 << 20

	lengthSize = 4
	// ChunkOverhead is the per-chunk framing plus AEAD expansion.
	ChunkOverhead = lengthSize + krypto.GCMNonceSize + krypto.GCMTagSize
)

var (
	// Magic opens every container.
	Magic = [4]byte{'E', 'A', 'L', 'B'}
	// CompletionMarker closes every fully written container.
	CompletionMarker = []byte("EALB_END")

	supportedVersions = map[uint8]bool{Version1: true}
)

// MediaType tags what the container holds. It is informational only.
type MediaType uint8

const (
	MediaUnknown MediaType = iota
	MediaPhoto
	MediaVideo
	MediaLivePhoto
)

func (m MediaType) String() string {
	switch m {
	case MediaPhoto:
		return "photo"
	case MediaVideo:
		return "video"
	case MediaLivePhoto:
		return "livephoto"
	default:
		return "unknown"
	}
}

// ParseMediaType maps a name back to a MediaType.
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return MediaUnknown, nil
	case "photo", "image":
		return MediaPhoto, nil
	case "video":
		return MediaVideo, nil
	case "livephoto", "live":
		return MediaLivePhoto, nil
	}
	return MediaUnknown, fmt.Errorf("unknown media type %q", s)
}

// Header is written once at the start of a container and never changes.
type Header struct {
	Version      uint8
	MediaType    MediaType
	ChunkSize    uint32
	OriginalSize uint64
}

// MarshalBinary encodes the header in its on-disk form.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], Magic[:])
	buf[4] = h.Version
	buf[5] = byte(h.MediaType)
	binary.BigEndian.PutUint32(buf[6:10], h.ChunkSize)
	binary.BigEndian.PutUint64(buf[10:18], h.OriginalSize)
	return buf, nil
}

// ChunkCount is the number of data chunks that precede the sentinel.
func (h Header) ChunkCount() uint64 {
	if h.OriginalSize == 0 || h.ChunkSize == 0 {
		return 1
	}
	n := h.OriginalSize / uint64(h.ChunkSize)
	if h.OriginalSize%uint64(h.ChunkSize) != 0 {
		n++
	}
	return n
}

// plainLen is the plaintext length of chunk i.
func (h Header) plainLen(i uint64) int {
	start := i * uint64(h.ChunkSize)
	if start >= h.OriginalSize {
		return 0
	}
	remaining := h.OriginalSize - start
	if remaining > uint64(h.ChunkSize) {
		return int(h.ChunkSize)
	}
	return int(remaining)
}

// sealedLen is the expected LEN field of chunk i.
func (h Header) sealedLen(i uint64) uint32 {
	return uint32(h.plainLen(i) + krypto.GCMTagSize)
}

// Validate checks the fields a reader must trust before allocating.
func (h Header) Validate() error {
	if !supportedVersions[h.Version] {
		return vaulterr.InvalidFileFormat(vaulterr.ReasonUnsupportedStreamVersion,
			fmt.Errorf("stream version %d", h.Version))
	}
	if h.ChunkSize < MinChunkSize || h.ChunkSize > MaxChunkSize {
		return vaulterr.InvalidFileFormat(vaulterr.ReasonInvalidChunkSize,
			fmt.Errorf("chunk size %d outside [%d, %d]", h.ChunkSize, MinChunkSize, MaxChunkSize))
	}
	if h.ChunkCount() > math.MaxUint32 {
		return vaulterr.InvalidFileFormat(vaulterr.ReasonInvalidChunkSize,
			errors.New("too many chunks for original size"))
	}
	return nil
}

// ParseHeader decodes and validates a header. Version is checked before any
// other field so unknown streams are never partially interpreted.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, vaulterr.InvalidFileFormat(vaulterr.ReasonTruncatedHeader, nil)
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return Header{}, vaulterr.InvalidFileFormat(vaulterr.ReasonInvalidMagic, nil)
	}
	h := Header{Version: buf[4]}
	if !supportedVersions[h.Version] {
		return Header{}, vaulterr.InvalidFileFormat(vaulterr.ReasonUnsupportedStreamVersion,
			fmt.Errorf("stream version %d", h.Version))
	}
	h.MediaType = MediaType(buf[5])
	h.ChunkSize = binary.BigEndian.Uint32(buf[6:10])
	h.OriginalSize = binary.BigEndian.Uint64(buf[10:18])
	if err := h.Validate(); err != nil {
		return Header{}, err
	}
	return h, nil
}

// ReadHeader reads and parses the header, returning its raw bytes for use as
// associated data.
func ReadHeader(r io.Reader) (Header, []byte, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, nil, vaulterr.InvalidFileFormat(vaulterr.ReasonTruncatedHeader, err)
		}
		return Header{}, nil, fmt.Errorf("read header: %w", err)
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return Header{}, nil, err
	}
	return h, raw, nil
}

func chunkAAD(dst, header []byte, index uint64) []byte {
	dst = append(dst[:0], header...)
	return binary.BigEndian.AppendUint32(dst, uint32(index))
}
