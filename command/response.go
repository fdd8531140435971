package command

import (
	"errors"
	"fmt"

	"github.com/shieldkey/yhsm/object"
	"github.com/shieldkey/yhsm/wire"
)

// CreateSessionResponse is the device's reply to CreateSession.
type CreateSessionResponse struct {
	SessionID      uint8
	CardChallenge  []byte
	CardCryptogram []byte
}

// ObjectInfoResponse is the reply to GetObjectInfo.
type ObjectInfoResponse struct {
	Capabilities         object.Capabilities
	ID                   object.ID
	Length               uint16
	Domains              object.Domains
	Type                 object.Type
	Algorithm            object.Algorithm
	Sequence             uint8
	Origin               uint8
	Label                object.Label
	DelegatedCapabilites object.Capabilities
}

// ListedObject is one entry of a ListObjectsResponse.
type ListedObject struct {
	ID       object.ID
	Type     object.Type
	Sequence uint8
}

// ListObjectsResponse is the reply to ListObjects.
type ListObjectsResponse struct {
	Objects []ListedObject
}

// KeyIDResponse is the shared shape of GenerateAsymmetricKey's,
// PutAsymmetricKey's, PutHMACKey's and PutWrapKey's success reply: the
// object id that now holds the new key.
type KeyIDResponse struct {
	ID object.ID
}

// SignatureResponse wraps a raw signature, shared by the EdDSA, ECDSA
// and PKCS#1/PSS sign responses.
type SignatureResponse struct {
	Signature []byte
}

// GetPubKeyResponse is the reply to GetPubKey.
type GetPubKeyResponse struct {
	Algorithm object.Algorithm
	KeyData   []byte
}

// EchoResponse is the reply to Echo.
type EchoResponse struct {
	Data []byte
}

// BytesResponse wraps an opaque payload shared by several simple
// commands (GetPseudoRandom, GetOpaque, WrapData/UnwrapData, HMACData,
// decrypt operations, ExportWrapped).
type BytesResponse struct {
	Data []byte
}

// BoolResponse is the reply to VerifyHMAC.
type BoolResponse struct {
	OK bool
}

// StorageStatusResponse is the reply to StorageStatus.
type StorageStatusResponse struct {
	TotalRecords uint16
	FreeRecords  uint16
	TotalPages   uint16
	FreePages    uint16
	PageSize     uint16
}

// DeviceInfoResponse is the reply to DeviceInfo.
type DeviceInfoResponse struct {
	Major, Minor, Patch uint8
	SerialNumber        uint32
	LogTotal            uint8
	LogUsed             uint8
	Algorithms          []uint8
}

// EmptyResponse marks a command whose success reply carries no payload
// (CloseSession, Reset, DeleteObject, AuthenticateSession, PutOption).
type EmptyResponse struct{}

// Decode parses a response frame's body for the command identified by
// reqCode (the *request* code, not its |0x80 response form). It returns
// the typed response, or an error if body is malformed or reqCode has no
// registered decoder. Device-reported failures never reach Decode: the
// secure channel surfaces them as *DeviceError before decoding.
func Decode(reqCode Code, body []byte) (interface{}, error) {
	switch reqCode {
	case CodeCreateSession:
		return decodeCreateSession(body)
	case CodeAuthenticateSession, CodeCloseSession, CodeReset, CodeDeleteObject,
		CodePutOption, CodeSetLogIndex:
		return EmptyResponse{}, nil
	case CodeGenerateAsymmetricKey, CodePutAsymmetricKey, CodePutHMACKey,
		CodePutWrapKey, CodePutAuthKey, CodeChangeAuthKey:
		return decodeKeyID(body)
	case CodeSignDataEddsa, CodeSignDataEcdsa, CodeSignDataPkcs1, CodeSignDataPss:
		return SignatureResponse{Signature: body}, nil
	case CodeGetPubKey:
		return decodeGetPubKey(body)
	case CodeEcho:
		return EchoResponse{Data: body}, nil
	case CodeListObjects:
		return decodeListObjects(body)
	case CodeGetObjectInfo:
		return decodeObjectInfo(body)
	case CodeGetPseudoRandom, CodeGetOpaque, CodeHMACData, CodeDecryptOaep,
		CodeDecryptPkcs1, CodeDecryptEcdh, CodeExportWrapped, CodeImportWrapped,
		CodeWrapData, CodeUnwrapData, CodeAttestAsymmetric, CodeGetOption,
		CodeGetLogs, CodePutOpaque:
		return BytesResponse{Data: body}, nil
	case CodeVerifyHMAC:
		return decodeBool(body)
	case CodeStorageStatus:
		return decodeStorageStatus(body)
	case CodeDeviceInfo:
		return decodeDeviceInfo(body)
	default:
		return nil, fmt.Errorf("command: no decoder registered for code 0x%02x", uint8(reqCode))
	}
}

func decodeCreateSession(body []byte) (CreateSessionResponse, error) {
	if len(body) != 1+8+8 {
		return CreateSessionResponse{}, errors.New("command: invalid CreateSession response length")
	}
	return CreateSessionResponse{
		SessionID:      body[0],
		CardChallenge:  body[1:9],
		CardCryptogram: body[9:17],
	}, nil
}

func decodeKeyID(body []byte) (KeyIDResponse, error) {
	c := wire.NewCursor(body)
	id, err := c.GetU16()
	if err != nil {
		return KeyIDResponse{}, err
	}
	return KeyIDResponse{ID: object.ID(id)}, nil
}

func decodeGetPubKey(body []byte) (GetPubKeyResponse, error) {
	if len(body) < 1 {
		return GetPubKeyResponse{}, errors.New("command: invalid GetPubKey response length")
	}
	return GetPubKeyResponse{
		Algorithm: object.Algorithm(body[0]),
		KeyData:   body[1:],
	}, nil
}

func decodeListObjects(body []byte) (ListObjectsResponse, error) {
	if len(body)%4 != 0 {
		return ListObjectsResponse{}, errors.New("command: invalid ListObjects response length")
	}
	c := wire.NewCursor(body)
	resp := ListObjectsResponse{Objects: make([]ListedObject, 0, len(body)/4)}
	for c.Remaining() > 0 {
		id, _ := c.GetU16()
		typ, _ := c.GetU8()
		seq, _ := c.GetU8()
		resp.Objects = append(resp.Objects, ListedObject{
			ID:       object.ID(id),
			Type:     object.Type(typ),
			Sequence: seq,
		})
	}
	return resp, nil
}

func decodeObjectInfo(body []byte) (ObjectInfoResponse, error) {
	const fixedLen = 8 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + object.LabelLength + 8
	if len(body) != fixedLen {
		return ObjectInfoResponse{}, fmt.Errorf("command: invalid GetObjectInfo response length: %d", len(body))
	}
	c := wire.NewCursor(body)
	caps, _ := c.GetU64()
	id, _ := c.GetU16()
	length, _ := c.GetU16()
	domains, _ := c.GetU16()
	typ, _ := c.GetU8()
	alg, _ := c.GetU8()
	seq, _ := c.GetU8()
	origin, _ := c.GetU8()
	labelBytes, _ := c.GetBytes(object.LabelLength)
	delegated, _ := c.GetU64()

	var label object.Label
	copy(label[:], labelBytes)

	return ObjectInfoResponse{
		Capabilities:         object.Capabilities(caps),
		ID:                   object.ID(id),
		Length:               length,
		Domains:              object.Domains(domains),
		Type:                 object.Type(typ),
		Algorithm:            object.Algorithm(alg),
		Sequence:             seq,
		Origin:               origin,
		Label:                label,
		DelegatedCapabilites: object.Capabilities(delegated),
	}, nil
}

func decodeBool(body []byte) (BoolResponse, error) {
	if len(body) != 1 {
		return BoolResponse{}, errors.New("command: invalid VerifyHMAC response length")
	}
	return BoolResponse{OK: body[0] != 0}, nil
}

func decodeStorageStatus(body []byte) (StorageStatusResponse, error) {
	if len(body) != 10 {
		return StorageStatusResponse{}, errors.New("command: invalid StorageStatus response length")
	}
	c := wire.NewCursor(body)
	total, _ := c.GetU16()
	free, _ := c.GetU16()
	totalPages, _ := c.GetU16()
	freePages, _ := c.GetU16()
	pageSize, _ := c.GetU16()
	return StorageStatusResponse{
		TotalRecords: total,
		FreeRecords:  free,
		TotalPages:   totalPages,
		FreePages:    freePages,
		PageSize:     pageSize,
	}, nil
}

func decodeDeviceInfo(body []byte) (DeviceInfoResponse, error) {
	if len(body) < 3+4+1+1 {
		return DeviceInfoResponse{}, errors.New("command: invalid DeviceInfo response length")
	}
	c := wire.NewCursor(body)
	major, _ := c.GetU8()
	minor, _ := c.GetU8()
	patch, _ := c.GetU8()
	serial, _ := c.GetU32()
	logTotal, _ := c.GetU8()
	logUsed, _ := c.GetU8()
	return DeviceInfoResponse{
		Major: major, Minor: minor, Patch: patch,
		SerialNumber: serial,
		LogTotal:     logTotal,
		LogUsed:      logUsed,
		Algorithms:   append([]byte(nil), c.Rest()...),
	}, nil
}
