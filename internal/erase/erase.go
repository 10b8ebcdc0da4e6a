// Package erase removes plaintext and ciphertext artifacts so they cannot be
// recovered by casual inspection.
//
// The overwrite is best effort. On wear-levelled flash (SSDs, phone storage)
// and on copy-on-write or journaling filesystems the controller may keep old
// blocks that no overwrite from user space can reach, so a successful erase
// is never a guarantee of unrecoverability. Report.BestEffort is always true
// to keep that visible to callers.
package erase

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DefaultSizeCap is the largest file that is overwritten before unlinking.
const DefaultSizeCap int64 = 100 << 20

// Limitation is surfaced to users alongside every erase.
const Limitation = "overwrite is best effort: flash wear levelling and copy-on-write filesystems may retain old data"

const blockSize = 1 << 20

// Report describes what an erase did.
type Report struct {
	Path         string
	Size         int64
	Passes       int
	Overwritten  bool
	OverwriteErr error
	BestEffort   bool
}

// Eraser overwrites files up to SizeCap bytes with three passes (random,
// its bitwise complement, fresh random), syncing after each, then unlinks.
// Larger files are unlinked directly to bound latency and flash wear.
type Eraser struct {
	SizeCap int64
}

// New returns an Eraser with the given cap; a non-positive cap uses DefaultSizeCap.
func New(sizeCap int64) *Eraser {
	if sizeCap <= 0 {
		sizeCap = DefaultSizeCap
	}
	return &Eraser{SizeCap: sizeCap}
}

// SecureDeleteFile overwrites and unlinks path. Overwrite failures are
// recorded in the report and never prevent the unlink; the returned error
// only reflects whether the file is gone.
func (e *Eraser) SecureDeleteFile(path string) (Report, error) {
	rep := Report{Path: path, BestEffort: true}

	st, err := os.Lstat(path)
	if err != nil {
		return rep, fmt.Errorf("stat %s: %w", path, err)
	}
	rep.Size = st.Size()

	if st.Mode().IsRegular() && rep.Size > 0 && rep.Size <= e.cap() {
		rep.Passes, rep.OverwriteErr = overwrite(path, rep.Size)
		rep.Overwritten = rep.OverwriteErr == nil
	}

	if err := os.Remove(path); err != nil {
		return rep, fmt.Errorf("remove %s: %w", path, err)
	}
	return rep, nil
}

// SecureDeleteDir erases every regular file below dir and then removes dir.
func (e *Eraser) SecureDeleteDir(dir string) ([]Report, error) {
	var reports []Report
	var errs []error

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rep, err := e.SecureDeleteFile(path)
		reports = append(reports, rep)
		if err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	if err := os.RemoveAll(dir); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
	}
	return reports, errors.Join(errs...)
}

func (e *Eraser) cap() int64 {
	if e == nil || e.SizeCap <= 0 {
		return DefaultSizeCap
	}
	return e.SizeCap
}

// overwrite runs the three passes and returns how many completed.
func overwrite(path string, size int64) (int, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("open for overwrite: %w", err)
	}
	defer f.Close()

	first, err := newKeystream()
	if err != nil {
		return 0, err
	}
	third, err := newKeystream()
	if err != nil {
		return 0, err
	}

	passes := []func() cipher.Stream{
		func() cipher.Stream { return first.stream() },
		func() cipher.Stream { return first.stream() },
		func() cipher.Stream { return third.stream() },
	}
	invert := []bool{false, true, false}

	for i, mk := range passes {
		if err := writePass(f, size, mk(), invert[i]); err != nil {
			return i, fmt.Errorf("pass %d: %w", i+1, err)
		}
		if err := f.Sync(); err != nil {
			return i, fmt.Errorf("sync pass %d: %w", i+1, err)
		}
	}
	return len(passes), nil
}

func writePass(f *os.File, size int64, ks cipher.Stream, invert bool) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	buf := make([]byte, blockSize)
	for remaining := size; remaining > 0; {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		block := buf[:n]
		clear(block)
		ks.XORKeyStream(block, block)
		if invert {
			for j := range block {
				block[j] = ^block[j]
			}
		}
		if _, err := f.Write(block); err != nil {
			return err
		}
		remaining -= n
	}
	return nil
}

// keystream is a reproducible random byte stream, so the complement pass
// can regenerate the first pass without holding it in memory.
type keystream struct {
	key [32]byte
	iv  [aes.BlockSize]byte
}

func newKeystream() (*keystream, error) {
	ks := &keystream{}
	if _, err := rand.Read(ks.key[:]); err != nil {
		return nil, fmt.Errorf("generate overwrite key: %w", err)
	}
	if _, err := rand.Read(ks.iv[:]); err != nil {
		return nil, fmt.Errorf("generate overwrite iv: %w", err)
	}
	return ks, nil
}

func (k *keystream) stream() cipher.Stream {
	block, _ := aes.NewCipher(k.key[:])
	return cipher.NewCTR(block, k.iv[:])
}
