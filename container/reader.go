package container

import (
	"bufio"
	"bytes"
	"context"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

// chunkReader walks the framing of a container after the header.
type chunkReader struct {
	r      *bufio.Reader
	hdr    Header
	raw    []byte
	next   uint64
	buf    []byte
	lenBuf [lengthSize]byte
}

func newChunkReader(src io.Reader) (*chunkReader, error) {
	br := bufio.NewReader(src)
	hdr, raw, err := ReadHeader(br)
	if err != nil {
		return nil, err
	}
	return &chunkReader{
		r:   br,
		hdr: hdr,
		raw: raw,
		buf: make([]byte, krypto.GCMNonceSize+int(hdr.ChunkSize)+krypto.GCMTagSize),
	}, nil
}

// readLength reads a LEN field. EOF here means the write never finished.
func (c *chunkReader) readLength() (uint32, error) {
	if _, err := io.ReadFull(c.r, c.lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, vaulterr.DecryptionFailed(vaulterr.ReasonMissingCompletionMarker, err)
		}
		return 0, fmt.Errorf("read chunk length: %w", err)
	}
	return binary.BigEndian.Uint32(c.lenBuf[:]), nil
}

// nextChunk returns the nonce and sealed bytes of the next data chunk, or
// ok=false once every data chunk the header promises has been read.
func (c *chunkReader) nextChunk() (nonce, sealed []byte, index uint64, ok bool, err error) {
	if c.next >= c.hdr.ChunkCount() {
		return nil, nil, 0, false, nil
	}
	n, err := c.readLength()
	if err != nil {
		return nil, nil, 0, false, err
	}
	want := c.hdr.sealedLen(c.next)
	if n != want {
		return nil, nil, 0, false, vaulterr.DecryptionFailed(vaulterr.ReasonCorruptChunkLength,
			fmt.Errorf("chunk %d length %d, want %d", c.next, n, want))
	}

	frame := c.buf[:krypto.GCMNonceSize+int(n)]
	if _, err := io.ReadFull(c.r, frame); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, nil, 0, false, vaulterr.DecryptionFailed(vaulterr.ReasonMissingCompletionMarker, err)
		}
		return nil, nil, 0, false, fmt.Errorf("read chunk %d: %w", c.next, err)
	}

	index = c.next
	c.next++
	return frame[:krypto.GCMNonceSize], frame[krypto.GCMNonceSize:], index, true, nil
}

// finish validates the sentinel and the completion marker, and that nothing follows.
func (c *chunkReader) finish() error {
	n, err := c.readLength()
	if err != nil {
		return err
	}
	if n != 0 {
		return vaulterr.DecryptionFailed(vaulterr.ReasonCorruptChunkLength,
			fmt.Errorf("expected sentinel after %d chunks, got length %d", c.next, n))
	}

	marker := make([]byte, len(CompletionMarker))
	if _, err := io.ReadFull(c.r, marker); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return vaulterr.DecryptionFailed(vaulterr.ReasonMissingCompletionMarker, err)
		}
		return fmt.Errorf("read completion marker: %w", err)
	}
	if !bytes.Equal(marker, CompletionMarker) {
		return vaulterr.DecryptionFailed(vaulterr.ReasonInvalidCompletionMarker, nil)
	}

	if _, err := c.r.ReadByte(); err == nil {
		return vaulterr.DecryptionFailed(vaulterr.ReasonUnexpectedTrailingData, nil)
	} else if !errors.Is(err, io.EOF) {
		return fmt.Errorf("read after completion marker: %w", err)
	}
	return nil
}

func (c *chunkReader) open(gcm cipher.AEAD, dst, nonce, sealed []byte, index uint64, aad []byte) ([]byte, error) {
	plain, err := gcm.Open(dst, nonce, sealed, chunkAAD(aad, c.raw, index))
	if err != nil {
		return nil, vaulterr.HMACVerificationFailed(fmt.Errorf("chunk %d: %w", index, err))
	}
	return plain, nil
}

// Decrypt streams the plaintext of a container from src into dst and returns
// its header. Plaintext is written chunk by chunk as each chunk
// authenticates; when an error is returned the caller must discard whatever
// reached dst.
func Decrypt(ctx context.Context, src io.Reader, dst io.Writer, keys *krypto.VaultKeyMaterial, opts ...Option) (Header, error) {
	if keys == nil {
		return Header{}, errors.New("key material is required")
	}
	o := buildOptions(opts)

	cr, err := newChunkReader(src)
	if err != nil {
		return Header{}, err
	}
	gcm, err := krypto.NewAESGCM(keys.EncryptionKey[:])
	if err != nil {
		return cr.hdr, err
	}

	plain := make([]byte, 0, cr.hdr.ChunkSize)
	aad := make([]byte, 0, HeaderSize+4)
	var done uint64
	for {
		if err := ctx.Err(); err != nil {
			return cr.hdr, err
		}
		nonce, sealed, index, ok, err := cr.nextChunk()
		if err != nil {
			return cr.hdr, err
		}
		if !ok {
			break
		}
		out, err := cr.open(gcm, plain[:0], nonce, sealed, index, aad)
		if err != nil {
			return cr.hdr, err
		}
		if _, err := dst.Write(out); err != nil {
			return cr.hdr, fmt.Errorf("write plaintext: %w", err)
		}
		krypto.Zeroize(out)

		done += uint64(len(out))
		if o.progress != nil {
			o.progress(done, cr.hdr.OriginalSize)
		}
	}

	if err := cr.finish(); err != nil {
		return cr.hdr, err
	}
	return cr.hdr, nil
}

// Probe authenticates the header and the first chunk under keys without
// reading the rest of the container. A nil error means the container was
// written under keys.
func Probe(src io.Reader, keys *krypto.VaultKeyMaterial) (Header, error) {
	cr, err := newChunkReader(src)
	if err != nil {
		return Header{}, err
	}
	gcm, err := krypto.NewAESGCM(keys.EncryptionKey[:])
	if err != nil {
		return cr.hdr, err
	}
	nonce, sealed, index, _, err := cr.nextChunk()
	if err != nil {
		return cr.hdr, err
	}
	out, err := cr.open(gcm, nil, nonce, sealed, index, nil)
	if err != nil {
		return cr.hdr, err
	}
	krypto.Zeroize(out)
	return cr.hdr, nil
}

// Info describes a container's framing.
type Info struct {
	Header     Header
	DataChunks int
	Complete   bool
}

// Stat walks a container's framing without keys. It reports how many data
// chunks are present and whether the completion marker is intact; the
// returned error classifies why a container is not complete.
func Stat(src io.Reader) (Info, error) {
	cr, err := newChunkReader(src)
	if err != nil {
		return Info{}, err
	}
	info := Info{Header: cr.hdr}
	for {
		_, _, _, ok, err := cr.nextChunk()
		if err != nil {
			return info, err
		}
		if !ok {
			break
		}
		info.DataChunks++
	}
	if err := cr.finish(); err != nil {
		return info, err
	}
	info.Complete = true
	return info, nil
}
