package securechannel

// Kind categorizes a securechannel Error for programmatic handling by a
// caller that needs to distinguish "this call was made out of order"
// from "the wire/crypto state itself is untrustworthy now".
type Kind int

const (
	// KindUsage marks calling the API out of order: SendCommand before
	// Authenticate, Authenticate twice, or any call on a closed channel.
	KindUsage Kind = iota
	// KindProtocol marks a malformed frame or an unexpected response
	// code — the bytes on the wire don't parse the way the state
	// machine expects them to.
	KindProtocol
	// KindCrypto marks a MAC, cryptogram, or counter failure. Always
	// fatal to the channel.
	KindCrypto
)

func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Reason further classifies a KindCrypto Error.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonMacVerification
	ReasonCounterOverflow
	ReasonCryptogramMismatch
)

func (r Reason) String() string {
	switch r {
	case ReasonMacVerification:
		return "mac verification failed"
	case ReasonCounterOverflow:
		return "counter overflow"
	case ReasonCryptogramMismatch:
		return "cryptogram mismatch"
	default:
		return ""
	}
}

// Error is the securechannel package's error type for the usage,
// protocol and cryptographic failures it detects itself, so a caller
// can tell a usage mistake from a protocol failure from a cryptographic
// one via Kind, and drill into the crypto failure via Reason. Not every
// error the package returns is one: besides *transport.Error and
// *command.DeviceError, errors from the wire, hsmcrypto and command
// packages (for example wire.ErrInvalidFrame for a malformed response
// frame) are passed through unwrapped.
type Error struct {
	Kind   Kind
	Reason Reason
	msg    string
}

func (e *Error) Error() string {
	if e.Reason != ReasonNone {
		return "securechannel: " + e.msg + ": " + e.Reason.String()
	}
	return "securechannel: " + e.msg
}

func newUsageError(msg string) *Error {
	return &Error{Kind: KindUsage, msg: msg}
}

func newProtocolError(msg string) *Error {
	return &Error{Kind: KindProtocol, msg: msg}
}

func newCryptoError(reason Reason, msg string) *Error {
	return &Error{Kind: KindCrypto, Reason: reason, msg: msg}
}

// IsCryptoError reports whether err is a *Error of KindCrypto, and if so
// returns its Reason.
func IsCryptoError(err error) (Reason, bool) {
	e, ok := err.(*Error)
	if !ok || e.Kind != KindCrypto {
		return ReasonNone, false
	}
	return e.Reason, true
}

// IsProtocolError reports whether err is a *Error of KindProtocol.
func IsProtocolError(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindProtocol
}

// IsUsageError reports whether err is a *Error of KindUsage.
func IsUsageError(err error) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == KindUsage
}
