package utils

import (
	"strings"
	"testing"
	"time"
)

func TestBuildObjectAccessURL(t *testing.T) {
	key := "pos-proofs/T-1/2026/03/01/s-1-abc.jpg"
	cases := []struct {
		name     string
		cfg      ObjectURLConfig
		expected string
	}{
		{"placeholder", ObjectURLConfig{AccessBaseURL: "https://cdn.test/o/{objectKey}"}, "https://cdn.test/o/" + key},
		{"placeholder in query", ObjectURLConfig{AccessBaseURL: "https://api.test/file?key={objectKey}"}, "https://api.test/file?key=pos-proofs%2FT-1%2F2026%2F03%2F01%2Fs-1-abc.jpg"},
		{"query suffix", ObjectURLConfig{AccessBaseURL: "https://api.test/file?key="}, "https://api.test/file?key=pos-proofs%2FT-1%2F2026%2F03%2F01%2Fs-1-abc.jpg"},
		{"prefix", ObjectURLConfig{AccessBaseURL: "https://cdn.test/"}, "https://cdn.test/" + key},
		{"gcs bucket", ObjectURLConfig{GCSBucket: "proofs"}, "https://storage.googleapis.com/proofs/" + key},
		{"spaces", ObjectURLConfig{SpacesURL: "https://sgp1.digitaloceanspaces.com", SpacesBucket: "proofs"}, "https://proofs.sgp1.digitaloceanspaces.com/" + key},
		{"nothing configured", ObjectURLConfig{}, key},
	}
	for _, tc := range cases {
		if got := BuildObjectAccessURL(tc.cfg, key); got != tc.expected {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.expected, got)
		}
	}
}

func TestProofObjectKey(t *testing.T) {
	at := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("MMT", 6*3600+1800))
	key := ProofObjectKey(" ", "s-9", "Slip.PNG", at)
	if !strings.HasPrefix(key, "pos-proofs/unassigned/2026/03/01/s-9-") || !strings.HasSuffix(key, ".png") {
		t.Fatalf("unexpected key %q", key)
	}
	if other := ProofObjectKey(" ", "s-9", "Slip.PNG", at); other == key {
		t.Fatal("keys for repeated uploads must differ")
	}
}

func TestNormalizeStorageProvider(t *testing.T) {
	cases := []struct {
		in       string
		expected string
		known    bool
	}{
		{"", StorageProviderCloud, true},
		{" GCS ", StorageProviderGCS, true},
		{"do", StorageProviderDO, true},
		{"s3", "s3", false},
	}
	for _, tc := range cases {
		if got := NormalizeStorageProvider(tc.in); got != tc.expected {
			t.Fatalf("NormalizeStorageProvider(%q) = %q, want %q", tc.in, got, tc.expected)
		}
		if got := IsKnownStorageProvider(tc.in); got != tc.known {
			t.Fatalf("IsKnownStorageProvider(%q) = %v", tc.in, got)
		}
	}
}
