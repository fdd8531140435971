// Package scp03 holds the SCP03 key-derivation and per-command IV logic
// shared by securechannel (the host side) and mockhsm (the device side),
// so both sides of the protocol run the identical derivation instead of
// two hand-copied implementations drifting apart.
package scp03

import (
	"fmt"

	"github.com/shieldkey/yhsm/hsmcrypto"
	"github.com/shieldkey/yhsm/wire"
)

// Derivation constants for the SP 800-108 counter-mode KDF instantiated
// with AES-CMAC.
const (
	ConstEncKey        byte = 0x04
	ConstMacKey        byte = 0x06
	ConstRMacKey       byte = 0x07
	ConstCardCryptogram byte = 0x00
	ConstHostCryptogram byte = 0x01
)

// ChallengeLength is the fixed size of both the host and card challenge.
const ChallengeLength = 8

// DeriveKDF implements the SCP03 KDF: AES-CMAC over a fixed derivation
// string keyed by key, truncated to outLenBytes*8 bits. label selects
// which key/cryptogram is being derived (ConstEncKey, ConstMacKey, ...).
func DeriveKDF(key *hsmcrypto.Key16, label byte, hostChallenge, cardChallenge []byte, outLenBytes int) ([]byte, error) {
	if len(hostChallenge) != ChallengeLength {
		return nil, fmt.Errorf("scp03: host challenge must be %d bytes", ChallengeLength)
	}
	if len(cardChallenge) != ChallengeLength {
		return nil, fmt.Errorf("scp03: card challenge must be %d bytes", ChallengeLength)
	}

	b := wire.NewBuilder(11 + 1 + 1 + 2 + 1 + ChallengeLength + ChallengeLength)
	b.PutBytes([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}) // 11 zero bytes of "label" prefix
	b.PutU8(label)
	b.PutU8(0x00) // separator
	b.PutU16(uint16(outLenBytes * 8))
	b.PutU8(0x01) // counter = 1 (only one KDF block is ever needed for 128/64-bit outputs)
	b.PutBytes(hostChallenge)
	b.PutBytes(cardChallenge)

	full, err := hsmcrypto.CMAC(key, b.Bytes())
	if err != nil {
		return nil, err
	}
	if outLenBytes > len(full) {
		return nil, fmt.Errorf("scp03: requested %d bytes exceeds CMAC output", outLenBytes)
	}
	return full[:outLenBytes], nil
}

// SessionKeys holds the three derived per-session keys; the MAC chain
// value is tracked separately by the caller since it evolves per command.
type SessionKeys struct {
	Enc  *hsmcrypto.Key16
	Mac  *hsmcrypto.Key16
	RMac *hsmcrypto.Key16
}

// DeriveSessionKeys derives s_enc, s_mac and s_rmac from the static
// (encKey, macKey) pair and the two challenges.
func DeriveSessionKeys(staticEncKey, staticMacKey *hsmcrypto.Key16, hostChallenge, cardChallenge []byte) (*SessionKeys, error) {
	enc, err := DeriveKDF(staticEncKey, ConstEncKey, hostChallenge, cardChallenge, hsmcrypto.KeyLength)
	if err != nil {
		return nil, err
	}
	mac, err := DeriveKDF(staticMacKey, ConstMacKey, hostChallenge, cardChallenge, hsmcrypto.KeyLength)
	if err != nil {
		return nil, err
	}
	rmac, err := DeriveKDF(staticMacKey, ConstRMacKey, hostChallenge, cardChallenge, hsmcrypto.KeyLength)
	if err != nil {
		return nil, err
	}

	encKey, err := hsmcrypto.NewKey16(enc)
	if err != nil {
		return nil, err
	}
	macKey, err := hsmcrypto.NewKey16(mac)
	if err != nil {
		return nil, err
	}
	rmacKey, err := hsmcrypto.NewKey16(rmac)
	if err != nil {
		return nil, err
	}

	return &SessionKeys{Enc: encKey, Mac: macKey, RMac: rmacKey}, nil
}

// EncryptedCounterIV computes AES-ECB-Enc(s_enc, u128(counter)), the IV
// used for both directions' CBC framing of a given command's messages.
func EncryptedCounterIV(encKey *hsmcrypto.Key16, counter uint32) ([]byte, error) {
	block := make([]byte, 16)
	block[12] = byte(counter >> 24)
	block[13] = byte(counter >> 16)
	block[14] = byte(counter >> 8)
	block[15] = byte(counter)
	return hsmcrypto.ECBEncryptBlock(encKey, block)
}
