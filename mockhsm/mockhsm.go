// Package mockhsm implements the device side of the SCP03 handshake and
// command framing in-process, so the client can be exercised without
// hardware. Its crypto is real, not stubbed: the same hsmcrypto
// primitives and scp03 derivation the client uses, so a round trip
// through Peer.Handle genuinely proves out the wire format.
package mockhsm

import (
	"crypto/ed25519"
	"errors"
	"sync"

	"github.com/shieldkey/yhsm/command"
	"github.com/shieldkey/yhsm/hsmcrypto"
	"github.com/shieldkey/yhsm/internal/scp03"
	"github.com/shieldkey/yhsm/object"
	"github.com/shieldkey/yhsm/wire"
)

// AuthCredential is a registered (authKeyID -> static keys, capabilities)
// entry the mock will accept a CreateSession against.
type AuthCredential struct {
	EncKey       *hsmcrypto.Key16
	MacKey       *hsmcrypto.Key16
	Capabilities object.Capabilities
	Delegated    object.Capabilities
}

// storedObject is one entry of the mock's in-memory object store.
type storedObject struct {
	handle    object.Handle
	label     object.Label
	domains   object.Domains
	caps      object.Capabilities
	delegated object.Capabilities
	algorithm object.Algorithm
	data      []byte // raw key / opaque payload, shape depends on Type
}

// Peer is the in-process device side of one physical HSM: an auth
// credential table, an object store, and zero-or-more concurrently
// handshaking sessions (the mock does not enforce a real device's
// single-session-per-slot limit so tests can open several channels
// against it).
type Peer struct {
	mu          sync.Mutex
	authKeys    map[uint16]*AuthCredential
	objects     map[object.Handle]*storedObject
	sessions    map[uint8]*deviceSession
	nextSession uint8
	serial      uint32
}

// NewPeer creates an empty mock device. DefaultAuthKeyID (1) is not
// pre-registered, unlike a real device's factory state, which ships one
// default credential; call AddAuthKey to provision it.
func NewPeer(serial uint32) *Peer {
	return &Peer{
		authKeys: map[uint16]*AuthCredential{},
		objects:  map[object.Handle]*storedObject{},
		sessions: map[uint8]*deviceSession{},
		serial:   serial,
	}
}

// DefaultAuthKeyID matches a real device's factory-default credential
// slot.
const DefaultAuthKeyID = 1

// AddAuthKey registers (or replaces) a credential the mock will
// authenticate sessions against.
func (p *Peer) AddAuthKey(id uint16, cred AuthCredential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authKeys[id] = &cred
}

// deviceSession is the mock's per-channel state, mirroring
// securechannel.Channel's fields from the device's point of view.
type deviceSession struct {
	id            uint8
	authKeyID     uint16
	keys          *scp03.SessionKeys
	counter       uint32
	macChainValue []byte
	authenticated bool
	hostChallenge []byte
	cardChallenge []byte
}

// Handle processes one raw request frame and returns one raw response
// frame, exactly as a real device connector would, so it can be plugged
// directly behind transport.Transport via transport.Mock.
func (p *Peer) Handle(frame []byte) []byte {
	f, err := wire.DecodeFrame(frame)
	if err != nil {
		return encodeDeviceError(command.ErrInvalidData)
	}

	switch command.Code(f.Code) {
	case command.CodeCreateSession:
		return p.handleCreateSession(f.Body)
	case command.CodeSessionMessage:
		return p.handleSessionMessage(f.Body)
	default:
		return encodeDeviceError(command.ErrInvalidCommand)
	}
}

func encodeDeviceError(kind command.DeviceErrorKind) []byte {
	out, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.ErrorCode), Body: []byte{uint8(kind)}})
	return out
}

func (p *Peer) handleCreateSession(body []byte) []byte {
	c := wire.NewCursor(body)
	authKeyID, err := c.GetU16()
	if err != nil {
		return encodeDeviceError(command.ErrInvalidData)
	}
	hostChallenge, err := c.GetBytes(scp03.ChallengeLength)
	if err != nil {
		return encodeDeviceError(command.ErrInvalidData)
	}

	p.mu.Lock()
	cred, ok := p.authKeys[authKeyID]
	p.mu.Unlock()
	if !ok {
		return encodeDeviceError(command.ErrInvalidID)
	}

	cardChallenge, err := hsmcrypto.RandomBytes(scp03.ChallengeLength)
	if err != nil {
		return encodeDeviceError(command.ErrStorageFailed)
	}

	keys, err := scp03.DeriveSessionKeys(cred.EncKey, cred.MacKey, hostChallenge, cardChallenge)
	if err != nil {
		return encodeDeviceError(command.ErrStorageFailed)
	}

	cardCryptogram, err := scp03.DeriveKDF(keys.Mac, scp03.ConstCardCryptogram, hostChallenge, cardChallenge, 8)
	if err != nil {
		return encodeDeviceError(command.ErrStorageFailed)
	}

	sess := &deviceSession{
		authKeyID:     authKeyID,
		hostChallenge: append([]byte(nil), hostChallenge...),
		cardChallenge: cardChallenge,
		macChainValue: make([]byte, 16),
		keys:          keys,
	}

	p.mu.Lock()
	sess.id = p.nextSession
	p.nextSession++
	p.sessions[sess.id] = sess
	p.mu.Unlock()

	out := wire.NewBuilder(1 + 8 + 8)
	out.PutU8(sess.id)
	out.PutBytes(cardChallenge)
	out.PutBytes(cardCryptogram)
	resp, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeCreateSession) | uint8(command.ResponseOffset), Body: out.Bytes()})
	return resp
}

func (p *Peer) handleSessionMessage(body []byte) []byte {
	if len(body) < 1+8 {
		return encodeDeviceError(command.ErrInvalidData)
	}
	sessionID := body[0]
	ciphertextAndMac := body[1:]
	if len(ciphertextAndMac) < 8 {
		return encodeDeviceError(command.ErrInvalidData)
	}
	ciphertext := ciphertextAndMac[:len(ciphertextAndMac)-8]
	mac := ciphertextAndMac[len(ciphertextAndMac)-8:]

	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	p.mu.Unlock()
	if !ok {
		return encodeDeviceError(command.ErrInvalidSession)
	}

	macInput := wire.NewBuilder(len(sess.macChainValue) + 3 + 1 + len(ciphertext))
	macInput.PutBytes(sess.macChainValue)
	macInput.PutU8(uint8(command.CodeSessionMessage))
	macInput.PutU16(uint16(1 + len(ciphertext) + 8))
	macInput.PutU8(sessionID)
	macInput.PutBytes(ciphertext)

	expected, err := hsmcrypto.CMAC(sess.keys.Mac, macInput.Bytes())
	if err != nil || !hsmcrypto.ConstantTimeEqual(expected[:8], mac) {
		p.dropSession(sessionID)
		return encodeDeviceError(command.ErrSessionFailed)
	}
	sess.macChainValue = expected

	var respBody []byte
	var closeAfter bool

	if !sess.authenticated {
		// AuthenticateSession is only ever MAC'd, never CBC-encrypted —
		// ciphertext here is the plaintext inner frame, matching the
		// host's sendAuthenticatingLocked.
		respBody, err = p.authenticateInner(sess, ciphertext)
		if err != nil {
			p.dropSession(sessionID)
			return encodeDeviceError(command.ErrAuthFail)
		}
		sess.authenticated = true
		sess.counter = 1
		out := p.wrapResponse(sess, respBody, sessionID, false, false)
		return out
	}

	iv, err := scp03.EncryptedCounterIV(sess.keys.Enc, sess.counter)
	if err != nil {
		return encodeDeviceError(command.ErrStorageFailed)
	}
	padded, err := hsmcrypto.CBCDecrypt(sess.keys.Enc, iv, ciphertext)
	if err != nil {
		return encodeDeviceError(command.ErrInvalidData)
	}
	inner := hsmcrypto.UnpadISO9797M2(padded)

	innerFrame, ferr := wire.DecodeFrame(inner)
	if ferr != nil {
		return encodeDeviceError(command.ErrInvalidData)
	}
	var derr error
	respBody, closeAfter, derr = p.dispatch(sess, innerFrame)
	if derr != nil {
		var de *command.DeviceError
		if errors.As(derr, &de) {
			// Encrypted under the same (pre-increment) counter as the
			// request it answers, matching the success path: the
			// counter only advances once a full round trip completes.
			return p.wrapResponse(sess, []byte{uint8(de.Kind)}, sessionID, true, true)
		}
		return encodeDeviceError(command.ErrStorageFailed)
	}

	// Encrypt the response under the same counter the request used,
	// then advance: the host decrypts using its own pre-increment
	// counter and only bumps it after the round trip succeeds.
	out := p.wrapResponse(sess, respBody, sessionID, false, true)
	sess.counter++
	if closeAfter {
		p.dropSession(sessionID)
	}
	return out
}

func (p *Peer) dropSession(id uint8) {
	p.mu.Lock()
	delete(p.sessions, id)
	p.mu.Unlock()
}

// wrapResponse authenticates respBody (already a raw inner response
// frame, or a single-byte device-error body when isDeviceError is true)
// with s_rmac and returns the full SessionMessage response frame,
// CBC-encrypting it first unless encrypted is false — the
// AuthenticateSession response, like the request that prompted it, is
// only ever MAC'd.
func (p *Peer) wrapResponse(sess *deviceSession, respBody []byte, sessionID uint8, isDeviceError, encrypted bool) []byte {
	var plain []byte
	if isDeviceError {
		f, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.ErrorCode), Body: respBody})
		plain = f
	} else {
		plain = respBody
	}

	ciphertext := plain
	if encrypted {
		iv, _ := scp03.EncryptedCounterIV(sess.keys.Enc, sess.counter)
		ciphertext, _ = hsmcrypto.CBCEncrypt(sess.keys.Enc, iv, hsmcrypto.PadISO9797M2(plain))
	}

	header := wire.NewBuilder(3)
	header.PutU8(uint8(command.CodeSessionMessage) | uint8(command.ResponseOffset))
	header.PutU16(uint16(1 + len(ciphertext) + 8))

	macInput := wire.NewBuilder(len(sess.macChainValue) + 3 + 1 + len(ciphertext))
	macInput.PutBytes(sess.macChainValue)
	macInput.PutBytes(header.Bytes())
	macInput.PutU8(sessionID)
	macInput.PutBytes(ciphertext)

	tag, _ := hsmcrypto.CMAC(sess.keys.RMac, macInput.Bytes())
	sess.macChainValue = tag

	body := wire.NewBuilder(1 + len(ciphertext) + 8)
	body.PutU8(sessionID)
	body.PutBytes(ciphertext)
	body.PutBytes(tag[:8])

	out, _ := wire.EncodeFrame(wire.Frame{
		Code: uint8(command.CodeSessionMessage) | uint8(command.ResponseOffset),
		Body: body.Bytes(),
	})
	return out
}

// authenticateInner validates the host's AuthenticateSession payload
// (the host cryptogram) against this session's s_mac.
func (p *Peer) authenticateInner(sess *deviceSession, innerFrame []byte) ([]byte, error) {
	f, err := wire.DecodeFrame(innerFrame)
	if err != nil {
		return nil, err
	}
	if command.Code(f.Code) != command.CodeAuthenticateSession {
		return nil, errors.New("mockhsm: expected AuthenticateSession as first message")
	}

	expected, err := scp03.DeriveKDF(sess.keys.Mac, scp03.ConstHostCryptogram, sess.hostChallenge, sess.cardChallenge, 8)
	if err != nil {
		return nil, err
	}
	if !hsmcrypto.ConstantTimeEqual(expected, f.Body) {
		return nil, errors.New("mockhsm: host cryptogram mismatch")
	}

	return wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeAuthenticateSession) | uint8(command.ResponseOffset)})
}

// dispatch executes one authenticated in-session command against the
// object store and returns its raw response frame bytes.
func (p *Peer) dispatch(sess *deviceSession, f wire.Frame) (respFrame []byte, closeSession bool, err error) {
	p.mu.Lock()
	cred := p.authKeys[sess.authKeyID]
	p.mu.Unlock()

	switch command.Code(f.Code) {
	case command.CodeEcho:
		out, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeEcho) | uint8(command.ResponseOffset), Body: f.Body})
		return out, false, nil
	case command.CodeCloseSession:
		out, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeCloseSession) | uint8(command.ResponseOffset)})
		return out, true, nil
	case command.CodeGetPseudoRandom:
		return p.getPseudoRandom(cred, f.Body)
	case command.CodeGenerateAsymmetricKey:
		return p.generateAsymmetricKey(cred, f.Body)
	case command.CodeSignDataEddsa:
		return p.signEddsa(f.Body)
	case command.CodeGetPubKey:
		return p.getPubKey(f.Body)
	case command.CodeGetObjectInfo:
		return p.getObjectInfo(f.Body)
	case command.CodeDeleteObject:
		return p.deleteObject(f.Body)
	case command.CodePutAuthKey:
		return p.putAuthKey(cred, f.Body)
	case command.CodeReset:
		out, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeReset) | uint8(command.ResponseOffset)})
		return out, true, nil
	default:
		return nil, false, &command.DeviceError{Kind: command.ErrInvalidCommand}
	}
}

func (p *Peer) getPseudoRandom(cred *AuthCredential, body []byte) ([]byte, bool, error) {
	if !cred.Capabilities.Has(object.CapabilityGetRandomness) {
		return nil, false, &command.DeviceError{Kind: command.ErrInsufficientPerms}
	}
	c := wire.NewCursor(body)
	n, err := c.GetU16()
	if err != nil {
		return nil, false, &command.DeviceError{Kind: command.ErrInvalidData}
	}
	randomBytes, err := hsmcrypto.RandomBytes(int(n))
	if err != nil {
		return nil, false, err
	}
	out, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeGetPseudoRandom) | uint8(command.ResponseOffset), Body: randomBytes})
	return out, false, nil
}

func (p *Peer) generateAsymmetricKey(cred *AuthCredential, body []byte) ([]byte, bool, error) {
	if !cred.Capabilities.Has(object.CapabilityAsymmetricGen) {
		return nil, false, &command.DeviceError{Kind: command.ErrInsufficientPerms}
	}
	c := wire.NewCursor(body)
	id, _ := c.GetU16()
	labelBytes, _ := c.GetBytes(object.LabelLength)
	domains, _ := c.GetU16()
	caps, _ := c.GetU64()
	alg, err := c.GetU8()
	if err != nil {
		return nil, false, &command.DeviceError{Kind: command.ErrInvalidData}
	}

	var label object.Label
	copy(label[:], labelBytes)

	h := object.Handle{ID: object.ID(id), Type: object.TypeAsymmetricKey}

	if object.Algorithm(alg) != object.AlgorithmEd25519 {
		return nil, false, &command.DeviceError{Kind: command.ErrInvalidData}
	}

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	p.objects[h] = &storedObject{
		handle: h, label: label, domains: object.Domains(domains),
		caps: object.Capabilities(caps), algorithm: object.Algorithm(alg),
		data: priv,
	}
	p.mu.Unlock()

	out := wire.NewBuilder(2)
	out.PutU16(id)
	resp, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeGenerateAsymmetricKey) | uint8(command.ResponseOffset), Body: out.Bytes()})
	return resp, false, nil
}

func (p *Peer) signEddsa(body []byte) ([]byte, bool, error) {
	c := wire.NewCursor(body)
	id, _ := c.GetU16()
	msg := c.Rest()

	p.mu.Lock()
	obj, ok := p.objects[object.Handle{ID: object.ID(id), Type: object.TypeAsymmetricKey}]
	p.mu.Unlock()
	if !ok || obj.algorithm != object.AlgorithmEd25519 {
		return nil, false, &command.DeviceError{Kind: command.ErrObjectNotFound}
	}
	if !obj.caps.Has(object.CapabilityAsymmetricSignEddsa) {
		return nil, false, &command.DeviceError{Kind: command.ErrInsufficientPerms}
	}

	sig := ed25519.Sign(ed25519.PrivateKey(obj.data), msg)
	out, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeSignDataEddsa) | uint8(command.ResponseOffset), Body: sig})
	return out, false, nil
}

func (p *Peer) getPubKey(body []byte) ([]byte, bool, error) {
	c := wire.NewCursor(body)
	id, _ := c.GetU16()

	p.mu.Lock()
	obj, ok := p.objects[object.Handle{ID: object.ID(id), Type: object.TypeAsymmetricKey}]
	p.mu.Unlock()
	if !ok {
		return nil, false, &command.DeviceError{Kind: command.ErrObjectNotFound}
	}

	var pub []byte
	if obj.algorithm == object.AlgorithmEd25519 {
		priv := ed25519.PrivateKey(obj.data)
		pub = append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
	} else {
		return nil, false, &command.DeviceError{Kind: command.ErrInvalidCommand}
	}

	out := wire.NewBuilder(1 + len(pub))
	out.PutU8(uint8(obj.algorithm))
	out.PutBytes(pub)
	resp, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeGetPubKey) | uint8(command.ResponseOffset), Body: out.Bytes()})
	return resp, false, nil
}

func (p *Peer) getObjectInfo(body []byte) ([]byte, bool, error) {
	c := wire.NewCursor(body)
	id, _ := c.GetU16()
	typ, _ := c.GetU8()

	p.mu.Lock()
	obj, ok := p.objects[object.Handle{ID: object.ID(id), Type: object.Type(typ)}]
	p.mu.Unlock()
	if !ok {
		return nil, false, &command.DeviceError{Kind: command.ErrObjectNotFound}
	}

	out := wire.NewBuilder(8 + 2 + 2 + 2 + 1 + 1 + 1 + object.LabelLength + 8)
	out.PutU64(uint64(obj.caps))
	out.PutU16(uint16(obj.handle.ID))
	out.PutU16(uint16(len(obj.data)))
	out.PutU16(uint16(obj.domains))
	out.PutU8(uint8(obj.handle.Type))
	out.PutU8(uint8(obj.algorithm))
	out.PutU8(1) // sequence
	out.PutU8(0) // origin: generated
	out.PutBytes(obj.label[:])
	out.PutU64(uint64(obj.delegated))

	resp, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeGetObjectInfo) | uint8(command.ResponseOffset), Body: out.Bytes()})
	return resp, false, nil
}

func (p *Peer) deleteObject(body []byte) ([]byte, bool, error) {
	c := wire.NewCursor(body)
	id, _ := c.GetU16()
	typ, _ := c.GetU8()
	h := object.Handle{ID: object.ID(id), Type: object.Type(typ)}

	p.mu.Lock()
	_, ok := p.objects[h]
	if ok {
		delete(p.objects, h)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false, &command.DeviceError{Kind: command.ErrObjectNotFound}
	}

	out, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeDeleteObject) | uint8(command.ResponseOffset)})
	return out, false, nil
}

func (p *Peer) putAuthKey(cred *AuthCredential, body []byte) ([]byte, bool, error) {
	if !cred.Capabilities.Has(object.CapabilityPutAuthKey) {
		return nil, false, &command.DeviceError{Kind: command.ErrInsufficientPerms}
	}
	c := wire.NewCursor(body)
	id, _ := c.GetU16()
	_, _ = c.GetBytes(object.LabelLength)
	_, _ = c.GetU16()
	caps, _ := c.GetU64()
	_, _ = c.GetU8() // algorithm
	delegated, _ := c.GetU64()
	encKey, _ := c.GetBytes(16)
	macKey, _ := c.GetBytes(16)

	if object.Capabilities(delegated)&^cred.Delegated != 0 {
		return nil, false, &command.DeviceError{Kind: command.ErrInsufficientPerms}
	}

	ek, err := hsmcrypto.NewKey16(encKey)
	if err != nil {
		return nil, false, err
	}
	mk, err := hsmcrypto.NewKey16(macKey)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	p.authKeys[id] = &AuthCredential{EncKey: ek, MacKey: mk, Capabilities: object.Capabilities(caps), Delegated: object.Capabilities(delegated)}
	p.mu.Unlock()

	out := wire.NewBuilder(2)
	out.PutU16(id)
	resp, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodePutAuthKey) | uint8(command.ResponseOffset), Body: out.Bytes()})
	return resp, false, nil
}
