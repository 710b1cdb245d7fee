// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/syncshell/lib/config"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/secret"
)

func runKeygen(args []string) error {
	var flags commonFlags
	var encrypt, force bool

	flagSet := pflag.NewFlagSet("syncshell keygen", pflag.ContinueOnError)
	flags.register(flagSet)
	flagSet.BoolVar(&encrypt, "encrypt", false, "protect the key file with a passphrase (default: identity.encrypted)")
	flagSet.BoolVar(&force, "force", false, "replace an existing key file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	path := cfg.Identity.KeyFile
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to replace it)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	local, err := identity.Generate()
	if err != nil {
		return err
	}

	var options identity.KeyFileOptions
	if encrypt || cfg.Identity.Encrypted {
		passphrase, err := newPassphrase(cfg)
		if err != nil {
			return err
		}
		defer passphrase.Close()
		options.Passphrase = passphrase
	}
	if err := identity.Save(local, path, options); err != nil {
		return err
	}

	fmt.Printf("wrote %s\npeer id: %s\n", path, local.ID())
	return nil
}

// newPassphrase reads the passphrase for a new key file, from the
// configured file or by prompting twice.
func newPassphrase(cfg *config.Config) (*secret.Buffer, error) {
	if cfg.Identity.PassphraseFile != "" {
		return secret.ReadFromPath(cfg.Identity.PassphraseFile)
	}
	first, err := secret.Prompt("New passphrase: ")
	if err != nil {
		return nil, err
	}
	second, err := secret.Prompt("Repeat passphrase: ")
	if err != nil {
		first.Close()
		return nil, err
	}
	defer second.Close()
	if subtle.ConstantTimeCompare(first.Bytes(), second.Bytes()) != 1 {
		first.Close()
		return nil, errors.New("passphrases do not match")
	}
	return first, nil
}

// loadIdentity opens the configured key file, reading the passphrase
// from the configured file or the terminal when the file is encrypted.
func loadIdentity(cfg *config.Config) (*identity.Identity, error) {
	var passphrase *secret.Buffer
	if cfg.Identity.Encrypted {
		var err error
		if cfg.Identity.PassphraseFile != "" {
			passphrase, err = secret.ReadFromPath(cfg.Identity.PassphraseFile)
		} else {
			passphrase, err = secret.Prompt("Passphrase: ")
		}
		if err != nil {
			return nil, err
		}
		defer passphrase.Close()
	}
	local, err := identity.Load(cfg.Identity.KeyFile, passphrase)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("no identity at %s (run 'syncshell keygen' first)", cfg.Identity.KeyFile)
	}
	return local, err
}
