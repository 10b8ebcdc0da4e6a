package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

// JournalSchemaVersion is the schema version of rotation-journal.json.
const JournalSchemaVersion = 1

// JournalStatus is the lifecycle state of a key rotation.
type JournalStatus string

const (
	JournalInProgress JournalStatus = "inProgress"
	JournalCompleted  JournalStatus = "completed"
	JournalFailed     JournalStatus = "failed"
)

var journalWrapAAD = []byte("rotation-journal.wrapped-keys")

// RotationJournal records the progress of a password change. While it exists
// with status inProgress or failed, the credential still describes the old
// password, so everything here is protected by the old keys.
type RotationJournal struct {
	SchemaVersion      int           `json:"schemaVersion"`
	Status             JournalStatus `json:"status"`
	ProcessedFilenames []string      `json:"processedFilenames"`

	NewSalt     string    `json:"newSalt"`
	NewVerifier string    `json:"newVerifier"`
	NewKeyCheck string    `json:"newKeyCheck"`
	NewKDF      KDFConfig `json:"newKdf"`
	WrappedKeys string    `json:"wrappedKeys"`

	Failure   string    `json:"failure,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	MAC string `json:"mac"`
}

// RotationPlan is what a rotation switches the vault to.
type RotationPlan struct {
	Salt     []byte
	Verifier []byte
	Params   krypto.KDFParams
}

// NewRotationJournal starts a journal for moving from oldKeys to newKeys. The
// new keys are stored wrapped under oldKeys so recovery needs only the old
// password.
func NewRotationJournal(oldKeys, newKeys *krypto.VaultKeyMaterial, plan RotationPlan) (*RotationJournal, error) {
	wrapped, err := krypto.WrapKeys(oldKeys, newKeys, journalWrapAAD)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &RotationJournal{
		SchemaVersion:      JournalSchemaVersion,
		Status:             JournalInProgress,
		ProcessedFilenames: []string{},
		NewSalt:            encode(plan.Salt),
		NewVerifier:        encode(plan.Verifier),
		NewKeyCheck:        encode(krypto.KeyCheck(newKeys, plan.Salt)),
		NewKDF:             NewKDFConfig(plan.Params),
		WrappedKeys:        encode(wrapped),
		StartedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// IsProcessed reports whether name is already journaled.
func (j *RotationJournal) IsProcessed(name string) bool {
	return slices.Contains(j.ProcessedFilenames, name)
}

// MarkProcessed appends name to the journal.
func (j *RotationJournal) MarkProcessed(name string) {
	if !j.IsProcessed(name) {
		j.ProcessedFilenames = append(j.ProcessedFilenames, name)
	}
	j.UpdatedAt = time.Now().UTC()
}

// Unmark removes name after it was moved back to the old keys.
func (j *RotationJournal) Unmark(name string) {
	j.ProcessedFilenames = slices.DeleteFunc(j.ProcessedFilenames, func(n string) bool { return n == name })
	j.UpdatedAt = time.Now().UTC()
}

// MarkFailed records a per-file failure.
func (j *RotationJournal) MarkFailed(cause error) {
	j.Status = JournalFailed
	j.Failure = cause.Error()
	j.UpdatedAt = time.Now().UTC()
}

// MarkInProgress clears a previous failure before a resume.
func (j *RotationJournal) MarkInProgress() {
	j.Status = JournalInProgress
	j.Failure = ""
	j.UpdatedAt = time.Now().UTC()
}

// NewKeys unwraps the target key material.
func (j *RotationJournal) NewKeys(oldKeys *krypto.VaultKeyMaterial) (*krypto.VaultKeyMaterial, error) {
	blob, err := decode("wrapped keys", j.WrappedKeys)
	if err != nil {
		return nil, err
	}
	keys, err := krypto.UnwrapKeys(oldKeys, blob, journalWrapAAD)
	if err != nil {
		return nil, vaulterr.HMACVerificationFailed(err)
	}
	return keys, nil
}

// Credential builds the record that replaces credential.json on commit.
func (j *RotationJournal) Credential(createdAt time.Time) (Credential, error) {
	c := Credential{
		Version:   CredentialVersion,
		CreatedAt: createdAt,
		UpdatedAt: time.Now().UTC(),
		Salt:      j.NewSalt,
		Verifier:  j.NewVerifier,
		KeyCheck:  j.NewKeyCheck,
		KDF:       j.NewKDF,
	}
	if _, err := c.Decode(); err != nil {
		return Credential{}, fmt.Errorf("journal credential: %w", err)
	}
	return c, nil
}

func (j *RotationJournal) macInput() ([]byte, error) {
	clone := *j
	clone.MAC = ""
	data, err := json.Marshal(clone)
	if err != nil {
		return nil, fmt.Errorf("encode journal: %w", err)
	}
	return data, nil
}

// Seal computes the MAC under the old integrity key.
func (j *RotationJournal) Seal(oldKeys *krypto.VaultKeyMaterial) error {
	data, err := j.macInput()
	if err != nil {
		return err
	}
	j.MAC = encode(krypto.MAC(oldKeys, data))
	return nil
}

// Verify checks the MAC under oldKeys and the schema. A mismatch means the
// journal was tampered with or oldKeys are not the keys that started it.
func (j *RotationJournal) Verify(oldKeys *krypto.VaultKeyMaterial) error {
	if j.SchemaVersion != JournalSchemaVersion {
		return fmt.Errorf("unsupported journal schema %d", j.SchemaVersion)
	}
	switch j.Status {
	case JournalInProgress, JournalCompleted, JournalFailed:
	default:
		return fmt.Errorf("unknown journal status %q", j.Status)
	}
	tag, err := decode("journal mac", j.MAC)
	if err != nil {
		return vaulterr.HMACVerificationFailed(err)
	}
	data, err := j.macInput()
	if err != nil {
		return err
	}
	if err := krypto.VerifyMAC(oldKeys, data, tag); err != nil {
		return vaulterr.HMACVerificationFailed(errors.New("rotation journal mac mismatch"))
	}
	return nil
}
