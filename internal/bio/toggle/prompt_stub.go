//go:build !darwin

package toggle

// Authenticate is unavailable on non-macOS platforms.
func Authenticate(reason string) error {
	return ErrUnsupported
}
