package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

// TempSuffix marks in-flight files written next to their destination.
const TempSuffix = ".partial"

var errPipeAborted = errors.New("re-encryption aborted")

// IsTempFile reports whether name was produced by an interrupted atomic write.
func IsTempFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") && strings.HasSuffix(base, TempSuffix)
}

// writeAtomically runs write against a temp file beside dstPath, fsyncs it,
// and renames it over dstPath. On any failure, including cancellation, the
// temp file is removed before returning, so dstPath is either untouched or
// complete.
func writeAtomically(dstPath string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(dstPath)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dstPath)+".*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	bw := bufio.NewWriterSize(tmp, 256<<10)
	if err := write(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dstPath); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir persists a rename. Directory fsync is unsupported on some
// platforms, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// EncryptToFile encrypts exactly hdr.OriginalSize bytes of src into a new
// container at dstPath. dstPath only ever holds a complete container.
func EncryptToFile(ctx context.Context, src io.Reader, dstPath string, keys *krypto.VaultKeyMaterial, hdr Header, opts ...Option) error {
	return writeAtomically(dstPath, func(w io.Writer) error {
		return Encrypt(ctx, src, w, keys, hdr, opts...)
	})
}

// EncryptFile encrypts the file at srcPath into a container at dstPath.
func EncryptFile(ctx context.Context, srcPath, dstPath string, keys *krypto.VaultKeyMaterial, mediaType MediaType, opts ...Option) (Header, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return Header{}, fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	st, err := in.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("stat source: %w", err)
	}
	if !st.Mode().IsRegular() {
		return Header{}, fmt.Errorf("source is not a regular file: %s", srcPath)
	}

	o := buildOptions(opts)
	hdr := Header{
		Version:      Version1,
		MediaType:    mediaType,
		ChunkSize:    o.chunkSize,
		OriginalSize: uint64(st.Size()),
	}
	if err := EncryptToFile(ctx, bufio.NewReader(in), dstPath, keys, hdr, opts...); err != nil {
		return Header{}, err
	}
	return hdr, nil
}

// DecryptFile decrypts the container at srcPath into dstPath. A failed
// decrypt never leaves partial plaintext at dstPath.
func DecryptFile(ctx context.Context, srcPath, dstPath string, keys *krypto.VaultKeyMaterial, opts ...Option) (Header, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return Header{}, fmt.Errorf("open container: %w", err)
	}
	defer in.Close()

	var hdr Header
	err = writeAtomically(dstPath, func(w io.Writer) error {
		var derr error
		hdr, derr = Decrypt(ctx, in, w, keys, opts...)
		return derr
	})
	return hdr, err
}

// Reencrypt streams the container at srcPath through oldKeys and writes a
// new container under newKeys to dstPath, preserving media type, chunk size
// and original size. srcPath and dstPath may be the same file: the original
// is only replaced once the new container's completion marker is on disk.
func Reencrypt(ctx context.Context, srcPath, dstPath string, oldKeys, newKeys *krypto.VaultKeyMaterial, opts ...Option) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}

	hdr, _, err := ReadHeader(in)
	if err != nil {
		in.Close()
		return err
	}
	if _, err := in.Seek(0, io.SeekStart); err != nil {
		in.Close()
		return fmt.Errorf("rewind container: %w", err)
	}

	pr, pw := io.Pipe()
	decErr := make(chan error, 1)
	go func() {
		_, err := Decrypt(ctx, in, pw, oldKeys)
		in.Close()
		pw.CloseWithError(err)
		decErr <- err
	}()

	encErr := EncryptToFile(ctx, pr, dstPath, newKeys, hdr, opts...)
	pr.CloseWithError(errPipeAborted)
	derr := <-decErr

	switch {
	case derr != nil && !errors.Is(derr, io.ErrClosedPipe) && !errors.Is(derr, errPipeAborted):
		return fmt.Errorf("decrypt under old key: %w", derr)
	case encErr != nil:
		return fmt.Errorf("encrypt under new key: %w", encErr)
	case derr != nil:
		return fmt.Errorf("decrypt under old key: %w", derr)
	}
	return nil
}
