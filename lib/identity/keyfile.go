// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/secret"
)

// keyFileVersion is the format version of a persisted identity.
const keyFileVersion = 1

// DefaultWorkFactor is the age scrypt work factor (log2 N) used to
// encrypt identity files.
const DefaultWorkFactor = 18

// ErrWrongPassphrase is returned when an encrypted identity file
// cannot be opened with the given passphrase.
var ErrWrongPassphrase = errors.New("identity: wrong passphrase for identity file")

type keyFile struct {
	Version int    `cbor:"1,keyasint"`
	Seed    []byte `cbor:"2,keyasint"`
}

// KeyFileOptions controls how an identity is persisted.
type KeyFileOptions struct {
	// Passphrase encrypts the file with an age scrypt recipient. Nil
	// stores the seed unencrypted, readable only by the owner.
	Passphrase *secret.Buffer

	// WorkFactor is the scrypt work factor for new files. Zero means
	// DefaultWorkFactor.
	WorkFactor int
}

// Save writes the identity to path atomically.
func Save(identity *Identity, path string, options KeyFileOptions) error {
	seed := identity.Seed()
	defer secret.Zero(seed)

	plaintext, err := codec.Marshal(keyFile{Version: keyFileVersion, Seed: seed})
	if err != nil {
		return fmt.Errorf("identity: encoding key file: %w", err)
	}
	defer secret.Zero(plaintext)

	contents := plaintext
	if options.Passphrase != nil {
		recipient, err := age.NewScryptRecipient(options.Passphrase.String())
		if err != nil {
			return fmt.Errorf("identity: creating scrypt recipient: %w", err)
		}
		workFactor := options.WorkFactor
		if workFactor == 0 {
			workFactor = DefaultWorkFactor
		}
		recipient.SetWorkFactor(workFactor)

		var encrypted bytes.Buffer
		writer, err := age.Encrypt(&encrypted, recipient)
		if err != nil {
			return fmt.Errorf("identity: creating age encryptor: %w", err)
		}
		if _, err := writer.Write(plaintext); err != nil {
			return fmt.Errorf("identity: encrypting key file: %w", err)
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("identity: finalizing key file encryption: %w", err)
		}
		contents = encrypted.Bytes()
	}

	return writeFileAtomic(path, contents)
}

// Load reads an identity written by Save. passphrase must be non-nil
// exactly when the file was saved with one.
func Load(path string, passphrase *secret.Buffer) (*Identity, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	plaintext := contents
	if passphrase != nil {
		scryptIdentity, err := age.NewScryptIdentity(passphrase.String())
		if err != nil {
			return nil, fmt.Errorf("identity: creating scrypt identity: %w", err)
		}
		reader, err := age.Decrypt(bytes.NewReader(contents), scryptIdentity)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWrongPassphrase, err)
		}
		plaintext, err = io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("identity: reading decrypted key file: %w", err)
		}
		defer secret.Zero(plaintext)
	}

	var file keyFile
	if err := codec.Unmarshal(plaintext, &file); err != nil {
		return nil, fmt.Errorf("identity: decoding key file %s: %w", path, err)
	}
	defer secret.Zero(file.Seed)
	if file.Version != keyFileVersion {
		return nil, fmt.Errorf("identity: unsupported key file version %d", file.Version)
	}
	return FromSeed(file.Seed)
}

// LoadOrGenerate loads the identity at path, generating and saving a
// new one when the file does not exist. The boolean reports whether a
// new identity was created.
func LoadOrGenerate(path string, options KeyFileOptions) (*Identity, bool, error) {
	loaded, err := Load(path, options.Passphrase)
	if err == nil {
		return loaded, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	generated, err := Generate()
	if err != nil {
		return nil, false, err
	}
	if err := Save(generated, path, options); err != nil {
		return nil, false, err
	}
	return generated, true, nil
}

func writeFileAtomic(path string, contents []byte) error {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("identity: creating %s: %w", directory, err)
	}
	temporary, err := os.CreateTemp(directory, ".identity-*")
	if err != nil {
		return fmt.Errorf("identity: creating temporary key file: %w", err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)

	if err := temporary.Chmod(0o600); err != nil {
		temporary.Close()
		return fmt.Errorf("identity: restricting key file permissions: %w", err)
	}
	if _, err := temporary.Write(contents); err != nil {
		temporary.Close()
		return fmt.Errorf("identity: writing key file: %w", err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("identity: syncing key file: %w", err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("identity: closing key file: %w", err)
	}
	return os.Rename(temporaryPath, path)
}
