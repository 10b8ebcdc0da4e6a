package container

// ProgressFunc is called after every chunk with the plaintext bytes processed so far.
type ProgressFunc func(done, total uint64)

type options struct {
	chunkSize uint32
	progress  ProgressFunc
}

// Option configures Encrypt and Decrypt.
type Option func(*options)

// WithChunkSize sets the plaintext chunk size used when writing. Readers
// always use the chunk size recorded in the header.
func WithChunkSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkSize = uint32(n)
		}
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(o *options) { o.progress = fn }
}

func buildOptions(opts []Option) options {
	o := options{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
