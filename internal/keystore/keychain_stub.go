//go:build !darwin

package keystore

// Platform returns the credential store for this OS. Without a system
// keychain every operation fails with ErrUnsupported.
func Platform() Store {
	return unsupported{}
}

type unsupported struct{}

func (unsupported) Store(string, []byte) error { return ErrUnsupported }
func (unsupported) Retrieve(string) ([]byte, error) { return nil, ErrUnsupported }
func (unsupported) Delete(string) error { return nil }
