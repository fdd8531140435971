package command

import (
	"errors"

	"github.com/shieldkey/yhsm/object"
	"github.com/shieldkey/yhsm/wire"
)

// Request is a command ready to be handed to the secure channel: a code
// plus an already-encoded body.
type Request struct {
	Code Code
	Body []byte
}

// ErrLabelTooLong is returned by request builders given a label over
// object.LabelLength bytes.
var ErrLabelTooLong = errors.New("command: label too long")

func putLabel(b *wire.Builder, l object.Label) {
	b.PutBytes(l[:])
}

// Echo builds the Echo command (0x01): the device returns data unchanged.
func Echo(data []byte) Request {
	return Request{Code: CodeEcho, Body: data}
}

// CreateSession builds the un-encrypted CreateSession command (0x03),
// the first message of the SCP03 handshake.
func CreateSession(authKeyID uint16, hostChallenge []byte) Request {
	b := wire.NewBuilder(2 + len(hostChallenge))
	b.PutU16(authKeyID)
	b.PutBytes(hostChallenge)
	return Request{Code: CodeCreateSession, Body: b.Bytes()}
}

// AuthenticateSession builds the AuthenticateSession command (0x04), the
// first authenticated command, carrying the host cryptogram.
func AuthenticateSession(hostCryptogram []byte) Request {
	return Request{Code: CodeAuthenticateSession, Body: hostCryptogram}
}

// DeviceInfo builds the DeviceInfo command (0x1c): no body.
func DeviceInfo() Request {
	return Request{Code: CodeDeviceInfo}
}

// Reset builds the Reset command (0x08): no body.
func Reset() Request {
	return Request{Code: CodeReset}
}

// CloseSession builds the CloseSession command (0x48): no body.
func CloseSession() Request {
	return Request{Code: CodeCloseSession}
}

// StorageStatus builds the StorageStatus command (0x67): no body.
func StorageStatus() Request {
	return Request{Code: CodeStorageStatus}
}

// GetPseudoRandom builds the GetPseudoRandom command (0x64).
func GetPseudoRandom(numBytes uint16) Request {
	b := wire.NewBuilder(2)
	b.PutU16(numBytes)
	return Request{Code: CodeGetPseudoRandom, Body: b.Bytes()}
}

// GenerateAsymmetricKey builds the GenerateAsymmetricKey command (0x46).
func GenerateAsymmetricKey(id object.ID, label object.Label, domains object.Domains, caps object.Capabilities, alg object.Algorithm) Request {
	b := wire.NewBuilder(2 + object.LabelLength + 2 + 8 + 1)
	b.PutU16(uint16(id))
	putLabel(b, label)
	b.PutU16(uint16(domains))
	b.PutU64(uint64(caps))
	b.PutU8(uint8(alg))
	return Request{Code: CodeGenerateAsymmetricKey, Body: b.Bytes()}
}

// PutAsymmetricKey builds the PutAsymmetricKey command (0x45), importing
// raw private key material (one or two components, depending on algorithm).
func PutAsymmetricKey(id object.ID, label object.Label, domains object.Domains, caps object.Capabilities, alg object.Algorithm, keyParts ...[]byte) Request {
	size := 2 + object.LabelLength + 2 + 8 + 1
	for _, p := range keyParts {
		size += len(p)
	}
	b := wire.NewBuilder(size)
	b.PutU16(uint16(id))
	putLabel(b, label)
	b.PutU16(uint16(domains))
	b.PutU64(uint64(caps))
	b.PutU8(uint8(alg))
	for _, p := range keyParts {
		b.PutBytes(p)
	}
	return Request{Code: CodePutAsymmetricKey, Body: b.Bytes()}
}

// SignDataEddsa builds the SignDataEddsa command (0x4b).
func SignDataEddsa(id object.ID, data []byte) Request {
	b := wire.NewBuilder(2 + len(data))
	b.PutU16(uint16(id))
	b.PutBytes(data)
	return Request{Code: CodeSignDataEddsa, Body: b.Bytes()}
}

// SignDataEcdsa builds the SignDataEcdsa command (0x56), data is the
// pre-hashed digest.
func SignDataEcdsa(id object.ID, digest []byte) Request {
	b := wire.NewBuilder(2 + len(digest))
	b.PutU16(uint16(id))
	b.PutBytes(digest)
	return Request{Code: CodeSignDataEcdsa, Body: b.Bytes()}
}

// SignDataPkcs1 builds the SignDataPkcs1 command (0x47).
func SignDataPkcs1(id object.ID, digest []byte) Request {
	b := wire.NewBuilder(2 + len(digest))
	b.PutU16(uint16(id))
	b.PutBytes(digest)
	return Request{Code: CodeSignDataPkcs1, Body: b.Bytes()}
}

// SignDataPss builds the SignDataPss command (0x57).
func SignDataPss(id object.ID, saltLen uint16, digest []byte) Request {
	b := wire.NewBuilder(2 + 2 + len(digest))
	b.PutU16(uint16(id))
	b.PutU16(saltLen)
	b.PutBytes(digest)
	return Request{Code: CodeSignDataPss, Body: b.Bytes()}
}

// GetPubKey builds the GetPubKey command (0x58).
func GetPubKey(id object.ID) Request {
	b := wire.NewBuilder(2)
	b.PutU16(uint16(id))
	return Request{Code: CodeGetPubKey, Body: b.Bytes()}
}

// GetObjectInfo builds the GetObjectInfo command (0x50).
func GetObjectInfo(h object.Handle) Request {
	b := wire.NewBuilder(3)
	b.PutU16(uint16(h.ID))
	b.PutU8(uint8(h.Type))
	return Request{Code: CodeGetObjectInfo, Body: b.Bytes()}
}

// DeleteObject builds the DeleteObject command (0x5a).
func DeleteObject(h object.Handle) Request {
	b := wire.NewBuilder(3)
	b.PutU16(uint16(h.ID))
	b.PutU8(uint8(h.Type))
	return Request{Code: CodeDeleteObject, Body: b.Bytes()}
}

// ListFilter narrows a ListObjects query; zero value lists everything.
type ListFilter struct {
	HasID      bool
	ID         object.ID
	HasType    bool
	Type       object.Type
	HasDomain  bool
	Domain     object.Domains
	HasLabel   bool
	Label      object.Label
}

const (
	listParamID     uint8 = 0x01
	listParamType   uint8 = 0x02
	listParamDomain uint8 = 0x03
	listParamLabel  uint8 = 0x04
)

// ListObjects builds the ListObjects command (0x49) with optional TLV
// filters collected into one filter struct.
func ListObjects(f ListFilter) Request {
	b := wire.NewBuilder(16)
	if f.HasID {
		b.PutU8(listParamID).PutU16(uint16(f.ID))
	}
	if f.HasType {
		b.PutU8(listParamType).PutU8(uint8(f.Type))
	}
	if f.HasDomain {
		b.PutU8(listParamDomain).PutU16(uint16(f.Domain))
	}
	if f.HasLabel {
		b.PutU8(listParamLabel)
		putLabel(b, f.Label)
	}
	return Request{Code: CodeListObjects, Body: b.Bytes()}
}

// PutAuthKey builds the PutAuthKey command (0x6d), provisioning a new
// AuthKey credential from its raw (encKey, macKey) pair.
func PutAuthKey(id object.ID, label object.Label, domains object.Domains, caps, delegated object.Capabilities, encKey, macKey []byte) (Request, error) {
	if len(encKey) != 16 || len(macKey) != 16 {
		return Request{}, errors.New("command: auth key components must be 16 bytes each")
	}
	b := wire.NewBuilder(2 + object.LabelLength + 2 + 8 + 1 + 8 + 16 + 16)
	b.PutU16(uint16(id))
	putLabel(b, label)
	b.PutU16(uint16(domains))
	b.PutU64(uint64(caps))
	b.PutU8(uint8(object.AlgorithmYubicoAESAuth))
	b.PutU64(uint64(delegated))
	b.PutBytes(encKey)
	b.PutBytes(macKey)
	return Request{Code: CodePutAuthKey, Body: b.Bytes()}, nil
}

// ChangeAuthKey builds the ChangeAuthKey command (0x6c), rotating the
// credential in place at id.
func ChangeAuthKey(id object.ID, encKey, macKey []byte) (Request, error) {
	if len(encKey) != 16 || len(macKey) != 16 {
		return Request{}, errors.New("command: auth key components must be 16 bytes each")
	}
	b := wire.NewBuilder(2 + 1 + 16 + 16)
	b.PutU16(uint16(id))
	b.PutU8(uint8(object.AlgorithmYubicoAESAuth))
	b.PutBytes(encKey)
	b.PutBytes(macKey)
	return Request{Code: CodeChangeAuthKey, Body: b.Bytes()}, nil
}

// PutOpaque builds the PutOpaque command (0x42), storing arbitrary data
// (e.g. an X.509 certificate) under id.
func PutOpaque(id object.ID, label object.Label, domains object.Domains, caps object.Capabilities, alg object.Algorithm, data []byte) Request {
	b := wire.NewBuilder(2 + object.LabelLength + 2 + 8 + 1 + len(data))
	b.PutU16(uint16(id))
	putLabel(b, label)
	b.PutU16(uint16(domains))
	b.PutU64(uint64(caps))
	b.PutU8(uint8(alg))
	b.PutBytes(data)
	return Request{Code: CodePutOpaque, Body: b.Bytes()}
}

// GetOpaque builds the GetOpaque command (0x43).
func GetOpaque(id object.ID) Request {
	b := wire.NewBuilder(2)
	b.PutU16(uint16(id))
	return Request{Code: CodeGetOpaque, Body: b.Bytes()}
}

// PutHMACKey builds the PutHMACKey command (0x54).
func PutHMACKey(id object.ID, label object.Label, domains object.Domains, caps object.Capabilities, alg object.Algorithm, key []byte) Request {
	b := wire.NewBuilder(2 + object.LabelLength + 2 + 8 + 1 + len(key))
	b.PutU16(uint16(id))
	putLabel(b, label)
	b.PutU16(uint16(domains))
	b.PutU64(uint64(caps))
	b.PutU8(uint8(alg))
	b.PutBytes(key)
	return Request{Code: CodePutHMACKey, Body: b.Bytes()}
}

// HMACData builds the HMACData command (0x55).
func HMACData(id object.ID, data []byte) Request {
	b := wire.NewBuilder(2 + len(data))
	b.PutU16(uint16(id))
	b.PutBytes(data)
	return Request{Code: CodeHMACData, Body: b.Bytes()}
}

// VerifyHMAC builds the VerifyHMAC command (0x5e).
func VerifyHMAC(id object.ID, mac, data []byte) Request {
	b := wire.NewBuilder(2 + len(mac) + len(data))
	b.PutU16(uint16(id))
	b.PutBytes(mac)
	b.PutBytes(data)
	return Request{Code: CodeVerifyHMAC, Body: b.Bytes()}
}

// DecryptOaep builds the DecryptOaep command (0x5b).
func DecryptOaep(id object.ID, hashAlg object.Algorithm, data, label []byte) Request {
	b := wire.NewBuilder(2 + 1 + len(data) + len(label))
	b.PutU16(uint16(id))
	b.PutU8(uint8(hashAlg))
	b.PutBytes(data)
	b.PutBytes(label)
	return Request{Code: CodeDecryptOaep, Body: b.Bytes()}
}

// DecryptPkcs1 builds the DecryptPkcs1 command (0x4a).
func DecryptPkcs1(id object.ID, data []byte) Request {
	b := wire.NewBuilder(2 + len(data))
	b.PutU16(uint16(id))
	b.PutBytes(data)
	return Request{Code: CodeDecryptPkcs1, Body: b.Bytes()}
}

// DecryptEcdh builds the DecryptEcdh command (0x59).
func DecryptEcdh(id object.ID, peerPubKey []byte) Request {
	b := wire.NewBuilder(2 + len(peerPubKey))
	b.PutU16(uint16(id))
	b.PutBytes(peerPubKey)
	return Request{Code: CodeDecryptEcdh, Body: b.Bytes()}
}

// PutWrapKey builds the PutWrapKey command (0x4e).
func PutWrapKey(id object.ID, label object.Label, domains object.Domains, caps object.Capabilities, alg object.Algorithm, delegated object.Capabilities, key []byte) (Request, error) {
	want := map[object.Algorithm]int{
		object.AlgorithmAES128CCMWrap: 16,
		object.AlgorithmAES192CCMWrap: 24,
		object.AlgorithmAES256CCMWrap: 32,
	}
	n, ok := want[alg]
	if !ok {
		return Request{}, errors.New("command: invalid wrap key algorithm")
	}
	if len(key) != n {
		return Request{}, errors.New("command: wrap key is wrong length")
	}
	b := wire.NewBuilder(2 + object.LabelLength + 2 + 8 + 1 + 8 + len(key))
	b.PutU16(uint16(id))
	putLabel(b, label)
	b.PutU16(uint16(domains))
	b.PutU64(uint64(caps))
	b.PutU8(uint8(alg))
	b.PutU64(uint64(delegated))
	b.PutBytes(key)
	return Request{Code: CodePutWrapKey, Body: b.Bytes()}, nil
}

// ExportWrapped builds the ExportWrapped command (0x4c).
func ExportWrapped(wrapID object.ID, target object.Handle) Request {
	b := wire.NewBuilder(2 + 1 + 2)
	b.PutU16(uint16(wrapID))
	b.PutU8(uint8(target.Type))
	b.PutU16(uint16(target.ID))
	return Request{Code: CodeExportWrapped, Body: b.Bytes()}
}

// ImportWrapped builds the ImportWrapped command (0x4d).
func ImportWrapped(wrapID object.ID, nonce, data []byte) (Request, error) {
	if len(nonce) != 13 {
		return Request{}, errors.New("command: invalid nonce length")
	}
	b := wire.NewBuilder(2 + len(nonce) + len(data))
	b.PutU16(uint16(wrapID))
	b.PutBytes(nonce)
	b.PutBytes(data)
	return Request{Code: CodeImportWrapped, Body: b.Bytes()}, nil
}

// WrapData builds the WrapData command (0x68).
func WrapData(wrapID object.ID, data []byte) Request {
	b := wire.NewBuilder(2 + len(data))
	b.PutU16(uint16(wrapID))
	b.PutBytes(data)
	return Request{Code: CodeWrapData, Body: b.Bytes()}
}

// UnwrapData builds the UnwrapData command (0x69).
func UnwrapData(wrapID object.ID, data []byte) Request {
	b := wire.NewBuilder(2 + len(data))
	b.PutU16(uint16(wrapID))
	b.PutBytes(data)
	return Request{Code: CodeUnwrapData, Body: b.Bytes()}
}

// AttestAsymmetric builds the AttestAsymmetric command (0x53).
func AttestAsymmetric(keyID, attestKeyID object.ID) Request {
	b := wire.NewBuilder(4)
	b.PutU16(uint16(keyID))
	b.PutU16(uint16(attestKeyID))
	return Request{Code: CodeAttestAsymmetric, Body: b.Bytes()}
}

// GetLogs builds the GetLogs command (0x4f): no body.
func GetLogs() Request {
	return Request{Code: CodeGetLogs}
}

// SetLogIndex builds the SetLogIndex command (0x6a).
func SetLogIndex(index uint16) Request {
	b := wire.NewBuilder(2)
	b.PutU16(index)
	return Request{Code: CodeSetLogIndex, Body: b.Bytes()}
}

// PutOption builds the PutOption command (0x51).
func PutOption(tag uint8, data []byte) Request {
	b := wire.NewBuilder(1 + 2 + len(data))
	b.PutU8(tag)
	b.PutU16(uint16(len(data)))
	b.PutBytes(data)
	return Request{Code: CodePutOption, Body: b.Bytes()}
}

// GetOption builds the GetOption command (0x52).
func GetOption(tag uint8) Request {
	b := wire.NewBuilder(1)
	b.PutU8(tag)
	return Request{Code: CodeGetOption, Body: b.Bytes()}
}
