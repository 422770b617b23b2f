package page

import "testing"

func TestChecksum_DeterministicPerAlgorithm(t *testing.T) {
	payload := []byte("some page bytes")

	if Checksum(ChecksumCRC32, payload) != Checksum(ChecksumCRC32, payload) {
		t.Fatalf("crc32 checksum not deterministic")
	}
	if Checksum(ChecksumHighwayHash, payload) != Checksum(ChecksumHighwayHash, payload) {
		t.Fatalf("highwayhash checksum not deterministic")
	}
	if Checksum(ChecksumCRC32, payload) == Checksum(ChecksumHighwayHash, payload) {
		t.Fatalf("expected different algorithms to diverge")
	}
}

func TestChecksum_DetectsMutation(t *testing.T) {
	original := []byte("abc")
	mutated := []byte("abd")

	for _, alg := range []ChecksumAlgorithm{ChecksumCRC32, ChecksumHighwayHash} {
		if Checksum(alg, original) == Checksum(alg, mutated) {
			t.Fatalf("alg %d: expected checksum to change with payload", alg)
		}
	}
}
