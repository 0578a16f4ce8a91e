package hash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBytes_KnownVectors(t *testing.T) {
	sums, err := Bytes([]byte("abc"), "SHA256", "md5", "sha1")
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	want := map[string]string{
		"sha256": "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		"md5":    "900150983cd24fb0d6963f7d28e17f72",
		"sha1":   "a9993e364706816aba3e25717850c26c9cd0d89d",
	}
	if len(sums) != len(want) {
		t.Fatalf("unexpected keys: %v", sums)
	}
	for alg, v := range want {
		if sums[alg] != v {
			t.Fatalf("%s: got %s want %s", alg, sums[alg], v)
		}
	}
}

func TestReader_UnsupportedAlgorithm(t *testing.T) {
	if _, _, err := Reader(strings.NewReader("x"), "crc32"); err == nil {
		t.Fatalf("expected error for unsupported algorithm")
	}
	if _, _, err := Reader(strings.NewReader("x")); err == nil {
		t.Fatalf("expected error for empty algorithm list")
	}
	if !Supported("BLAKE2b-256") || Supported("crc32") {
		t.Fatalf("Supported() mismatch")
	}
}

func TestFile_MatchesBytes(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.bin")
	if err := os.WriteFile(p, []byte("evidence payload"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sum, size, err := File(p)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	ref, _ := Bytes([]byte("evidence payload"), SHA256)
	if sum != ref[SHA256] || size != int64(len("evidence payload")) {
		t.Fatalf("got %s/%d want %s", sum, size, ref[SHA256])
	}
}

func TestText_TrimsAndJoins(t *testing.T) {
	if Text(" a ", "b") != Text("a", "b") {
		t.Fatalf("Text should trim fields")
	}
	if Text("a", "b") == Text("ab") {
		t.Fatalf("Text should separate fields")
	}
}

func TestManifest_Sorted(t *testing.T) {
	got := Manifest(map[string]string{"sha256": "bb", "md5": "aa"})
	if len(got) != 2 || got[0] != "md5:aa" || got[1] != "sha256:bb" {
		t.Fatalf("got %v", got)
	}
}
