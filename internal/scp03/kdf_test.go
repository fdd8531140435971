package scp03

import (
	"bytes"
	"testing"

	"github.com/shieldkey/yhsm/hsmcrypto"
)

func testKey(b byte) *hsmcrypto.Key16 {
	k, err := hsmcrypto.NewKey16(bytes.Repeat([]byte{b}, 16))
	if err != nil {
		panic(err)
	}
	return k
}

func TestDeriveKDFRejectsWrongChallengeLengths(t *testing.T) {
	key := testKey(0x01)
	good := bytes.Repeat([]byte{0}, ChallengeLength)
	short := []byte{0, 1, 2}

	if _, err := DeriveKDF(key, ConstEncKey, short, good, 16); err == nil {
		t.Fatal("expected error for short host challenge")
	}
	if _, err := DeriveKDF(key, ConstEncKey, good, short, 16); err == nil {
		t.Fatal("expected error for short card challenge")
	}
}

func TestDeriveKDFDeterministicAndDistinctByLabel(t *testing.T) {
	key := testKey(0x02)
	hostChallenge := bytes.Repeat([]byte{0x11}, ChallengeLength)
	cardChallenge := bytes.Repeat([]byte{0x22}, ChallengeLength)

	enc, err := DeriveKDF(key, ConstEncKey, hostChallenge, cardChallenge, 16)
	if err != nil {
		t.Fatalf("DeriveKDF() error = %v", err)
	}
	enc2, err := DeriveKDF(key, ConstEncKey, hostChallenge, cardChallenge, 16)
	if err != nil {
		t.Fatalf("DeriveKDF() error = %v", err)
	}
	if !bytes.Equal(enc, enc2) {
		t.Fatal("DeriveKDF must be deterministic given identical inputs")
	}

	mac, err := DeriveKDF(key, ConstMacKey, hostChallenge, cardChallenge, 16)
	if err != nil {
		t.Fatalf("DeriveKDF() error = %v", err)
	}
	if bytes.Equal(enc, mac) {
		t.Fatal("different derivation labels must not collide")
	}
}

func TestDeriveSessionKeysProducesThreeDistinctKeys(t *testing.T) {
	encKey := testKey(0x03)
	macKey := testKey(0x04)
	hostChallenge := bytes.Repeat([]byte{0x33}, ChallengeLength)
	cardChallenge := bytes.Repeat([]byte{0x44}, ChallengeLength)

	keys, err := DeriveSessionKeys(encKey, macKey, hostChallenge, cardChallenge)
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v", err)
	}
	if keys.Enc.Equal(keys.Mac) || keys.Mac.Equal(keys.RMac) || keys.Enc.Equal(keys.RMac) {
		t.Fatal("derived session keys must be pairwise distinct")
	}

	keys2, err := DeriveSessionKeys(encKey, macKey, hostChallenge, cardChallenge)
	if err != nil {
		t.Fatalf("DeriveSessionKeys() error = %v", err)
	}
	if !keys.Enc.Equal(keys2.Enc) || !keys.Mac.Equal(keys2.Mac) || !keys.RMac.Equal(keys2.RMac) {
		t.Fatal("DeriveSessionKeys must be deterministic given identical challenges")
	}
}

func TestEncryptedCounterIVVariesByCounter(t *testing.T) {
	encKey := testKey(0x05)
	iv1, err := EncryptedCounterIV(encKey, 1)
	if err != nil {
		t.Fatalf("EncryptedCounterIV() error = %v", err)
	}
	iv2, err := EncryptedCounterIV(encKey, 2)
	if err != nil {
		t.Fatalf("EncryptedCounterIV() error = %v", err)
	}
	if bytes.Equal(iv1, iv2) {
		t.Fatal("IVs for different counters must differ")
	}
	if len(iv1) != 16 {
		t.Fatalf("len(iv) = %d, want 16", len(iv1))
	}
}
