// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"
)

func TestCompressRoundTripEveryTag(t *testing.T) {
	data := []byte(strings.Repeat(`{"hair":"braided","color":"#aa3355","scale":1.05}`, 40))
	for _, tag := range []Tag{None, LZ4, Zstd} {
		t.Run(tag.String(), func(t *testing.T) {
			compressed, err := Compress(data, tag)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if tag != None && len(compressed) >= len(data) {
				t.Errorf("compressed %d bytes to %d", len(data), len(compressed))
			}
			restored, err := Decompress(compressed, tag, len(data))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(restored, data) {
				t.Error("round trip changed the data")
			}
		})
	}
}

func TestDecompressRejectsWrongSize(t *testing.T) {
	data := []byte(strings.Repeat("outfit ", 100))
	compressed, err := Compress(data, Zstd)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decompress(compressed, Zstd, len(data)-1); err == nil {
		t.Error("size mismatch accepted")
	}
	if _, err := Decompress(data, None, len(data)+1); err == nil {
		t.Error("uncompressed size mismatch accepted")
	}
	if _, err := Decompress(data, Tag(9), len(data)); err == nil {
		t.Error("unknown tag accepted")
	}
}

func TestAutoFallsBackForRandomData(t *testing.T) {
	random := make([]byte, 4096)
	if _, err := rand.Read(random); err != nil {
		t.Fatal(err)
	}
	payload, tag, err := Auto(random)
	if err != nil {
		t.Fatal(err)
	}
	if tag != None || !bytes.Equal(payload, random) {
		t.Errorf("random data: tag = %v, want none with the original payload", tag)
	}

	if _, err := Compress(random, LZ4); !IsIncompressible(err) {
		t.Errorf("LZ4 on random data: error = %v, want incompressible", err)
	}
}

func TestSelectPrefersZstdForText(t *testing.T) {
	text := []byte(strings.Repeat("layer=overlay;texture=freckles;opacity=0.4\n", 50))
	if tag := Select(text); tag != Zstd {
		t.Errorf("Select(text) = %v, want zstd", tag)
	}
	if tag := Select([]byte("tiny")); tag != None {
		t.Errorf("Select(tiny) = %v, want none", tag)
	}
}

func TestParseTagRoundTrip(t *testing.T) {
	for _, tag := range []Tag{None, LZ4, Zstd} {
		parsed, err := ParseTag(tag.String())
		if err != nil || parsed != tag {
			t.Errorf("ParseTag(%q) = %v, %v", tag.String(), parsed, err)
		}
	}
	if _, err := ParseTag("brotli"); err == nil {
		t.Error("unknown tag name accepted")
	}
}
