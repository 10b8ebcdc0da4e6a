package container

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

var (
	// ErrSourceTooShort is returned when the plaintext ends before OriginalSize bytes.
	ErrSourceTooShort = errors.New("plaintext shorter than declared size")
	// ErrSourceTooLong is returned when the plaintext continues past OriginalSize bytes.
	ErrSourceTooLong = errors.New("plaintext longer than declared size")
)

// Encrypt writes a complete container for exactly hdr.OriginalSize bytes of
// src into dst. A zero hdr.Version or hdr.ChunkSize is filled from the
// defaults and options. Cancellation is checked between chunks; on
// cancellation ctx.Err() is returned and dst holds a partial container
// without a completion marker.
func Encrypt(ctx context.Context, src io.Reader, dst io.Writer, keys *krypto.VaultKeyMaterial, hdr Header, opts ...Option) error {
	if keys == nil {
		return errors.New("key material is required")
	}
	o := buildOptions(opts)
	if hdr.Version == 0 {
		hdr.Version = Version1
	}
	if hdr.ChunkSize == 0 {
		hdr.ChunkSize = o.chunkSize
	}
	if err := hdr.Validate(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}

	gcm, err := krypto.NewAESGCM(keys.EncryptionKey[:])
	if err != nil {
		return err
	}

	headerBytes, err := hdr.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := dst.Write(headerBytes); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	plain := make([]byte, hdr.ChunkSize)
	frame := make([]byte, 0, int(hdr.ChunkSize)+ChunkOverhead)
	aad := make([]byte, 0, HeaderSize+4)

	var done uint64
	count := hdr.ChunkCount()
	for i := uint64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := hdr.plainLen(i)
		if _, err := io.ReadFull(src, plain[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return ErrSourceTooShort
			}
			return fmt.Errorf("read plaintext: %w", err)
		}

		nonce, err := krypto.NewNonce()
		if err != nil {
			return err
		}

		frame = frame[:lengthSize]
		binary.BigEndian.PutUint32(frame, hdr.sealedLen(i))
		frame = append(frame, nonce...)
		frame = gcm.Seal(frame, nonce, plain[:n], chunkAAD(aad, headerBytes, i))
		krypto.Zeroize(plain[:n])

		if _, err := dst.Write(frame); err != nil {
			return fmt.Errorf("write chunk %d: %w", i, err)
		}

		done += uint64(n)
		if o.progress != nil {
			o.progress(done, hdr.OriginalSize)
		}
	}

	var probe [1]byte
	switch n, err := src.Read(probe[:]); {
	case n > 0:
		return ErrSourceTooLong
	case err != nil && !errors.Is(err, io.EOF):
		return fmt.Errorf("read plaintext: %w", err)
	case err == nil:
		// A zero-byte read with no error is allowed by io.Reader; confirm EOF.
		if _, err := io.ReadFull(src, probe[:]); err == nil {
			return ErrSourceTooLong
		} else if !errors.Is(err, io.EOF) {
			return fmt.Errorf("read plaintext: %w", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	trailer := make([]byte, lengthSize, lengthSize+len(CompletionMarker))
	trailer = append(trailer, CompletionMarker...)
	if _, err := dst.Write(trailer); err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}
	return nil
}
