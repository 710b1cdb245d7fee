// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

func derive(t *testing.T, name, shared string) *Keys {
	t.Helper()
	keys, err := Derive(name, []byte(shared))
	if err != nil {
		t.Fatalf("Derive(%q): %v", name, err)
	}
	t.Cleanup(func() { keys.Close() })
	return keys
}

func TestDeriveIsDeterministicAcrossMembers(t *testing.T) {
	first := derive(t, "raid-team", "s3cr3t")
	second := derive(t, "raid-team", "s3cr3t")

	if first.GroupID != second.GroupID {
		t.Errorf("group IDs differ: %s vs %s", first.GroupID, second.GroupID)
	}
	if !ValidID(first.GroupID) {
		t.Errorf("group ID %q is not %d hex characters", first.GroupID, IDLength)
	}
	if !bytes.Equal(first.EncryptionKey(), second.EncryptionKey()) {
		t.Error("encryption keys differ for identical inputs")
	}
}

func TestDeriveSeparatesNamesAndSecrets(t *testing.T) {
	base := derive(t, "raid-team", "s3cr3t")
	otherName := derive(t, "raid-team-2", "s3cr3t")
	otherSecret := derive(t, "raid-team", "s3cr3t!")

	if base.GroupID == otherName.GroupID {
		t.Error("different names produced the same group ID")
	}
	if base.GroupID == otherSecret.GroupID {
		t.Error("different secrets produced the same group ID")
	}
}

func TestDeriveRejectsEmptyInputs(t *testing.T) {
	if _, err := Derive("", []byte("x")); !errors.Is(err, ErrEmptyName) {
		t.Errorf("empty name: error = %v, want ErrEmptyName", err)
	}
	if _, err := Derive("x", nil); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("empty secret: error = %v, want ErrEmptySecret", err)
	}
}

func TestJoinProofBindsPeerAndGroup(t *testing.T) {
	keys := derive(t, "raid-team", "s3cr3t")
	outsider := derive(t, "raid-team", "wrong")

	alice := newPeerID(t)
	bob := newPeerID(t)

	proof := keys.JoinProof(alice)
	if !keys.VerifyJoinProof(alice, proof) {
		t.Error("valid join proof rejected")
	}
	if keys.VerifyJoinProof(bob, proof) {
		t.Error("join proof accepted for a different peer")
	}
	if keys.VerifyJoinProof(alice, outsider.JoinProof(alice)) {
		t.Error("join proof from the wrong secret accepted")
	}
}

func TestGroupBoxSealsAcrossMembers(t *testing.T) {
	sender := derive(t, "raid-team", "s3cr3t")
	receiver := derive(t, "raid-team", "s3cr3t")

	senderBox, err := sender.NewBox()
	if err != nil {
		t.Fatal(err)
	}
	defer senderBox.Close()
	receiverBox, err := receiver.NewBox()
	if err != nil {
		t.Fatal(err)
	}
	defer receiverBox.Close()

	blob, err := senderBox.Seal([]byte("ledger"), []byte(sender.GroupID))
	if err != nil {
		t.Fatal(err)
	}
	plaintext, err := receiverBox.Open(blob, []byte(receiver.GroupID))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plaintext) != "ledger" {
		t.Errorf("plaintext = %q", plaintext)
	}
}

func newPeerID(t *testing.T) identity.PeerID {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return id.ID()
}
