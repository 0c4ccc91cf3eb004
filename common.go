package tls13

// enum {...} ContentType;
type RecordType byte

const (
	RecordTypeChangeCipherSpec RecordType = 20
	RecordTypeAlert            RecordType = 21
	RecordTypeHandshake        RecordType = 22
	RecordTypeApplicationData  RecordType = 23
)

// enum {...} HandshakeType;
//
// Values match the RFC 8446 final registry, not the earlier TLS 1.3 draft
// registries some implementations started from. In particular
// HelloRetryRequest no longer has its own wire type: it is a ServerHello
// whose Random is the SHA-256("HelloRetryRequest") sentinel (see
// ServerHelloBody.IsHRR).
type HandshakeType uint8

const (
	HandshakeTypeClientHello         HandshakeType = 1
	HandshakeTypeServerHello         HandshakeType = 2
	HandshakeTypeNewSessionTicket    HandshakeType = 4
	HandshakeTypeEndOfEarlyData      HandshakeType = 5
	HandshakeTypeEncryptedExtensions HandshakeType = 8
	HandshakeTypeCertificate         HandshakeType = 11
	HandshakeTypeCertificateRequest  HandshakeType = 13
	HandshakeTypeCertificateVerify   HandshakeType = 15
	HandshakeTypeFinished            HandshakeType = 20
	HandshakeTypeKeyUpdate           HandshakeType = 24
	HandshakeTypeMessageHash         HandshakeType = 254
)

func (t HandshakeType) String() string {
	switch t {
	case HandshakeTypeClientHello:
		return "client_hello"
	case HandshakeTypeServerHello:
		return "server_hello"
	case HandshakeTypeNewSessionTicket:
		return "new_session_ticket"
	case HandshakeTypeEndOfEarlyData:
		return "end_of_early_data"
	case HandshakeTypeEncryptedExtensions:
		return "encrypted_extensions"
	case HandshakeTypeCertificate:
		return "certificate"
	case HandshakeTypeCertificateRequest:
		return "certificate_request"
	case HandshakeTypeCertificateVerify:
		return "certificate_verify"
	case HandshakeTypeFinished:
		return "finished"
	case HandshakeTypeKeyUpdate:
		return "key_update"
	case HandshakeTypeMessageHash:
		return "message_hash"
	}
	return "unknown"
}

// uint16 CipherSuite; the TLS 1.3-only subset (spec.md §1 scopes out
// TLS <= 1.2, so the CBC/RC4 suites a TLS 1.2 stack would carry are gone).
type CipherSuite uint16

const (
	TLS_AES_128_GCM_SHA256       CipherSuite = 0x1301
	TLS_AES_256_GCM_SHA384       CipherSuite = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 CipherSuite = 0x1303
)

// SignatureScheme identifies a (hash, signature algorithm, curve) triple,
// or an RSA-PSS / EdDSA scheme, per RFC 8446 §4.2.3.
type SignatureScheme uint16

const (
	ECDSA_P256_SHA256 SignatureScheme = 0x0403
	ECDSA_P384_SHA384 SignatureScheme = 0x0503
	ECDSA_P521_SHA512 SignatureScheme = 0x0603
	RSA_PSS_SHA256    SignatureScheme = 0x0804
	RSA_PSS_SHA384    SignatureScheme = 0x0805
	RSA_PSS_SHA512    SignatureScheme = 0x0806
	Ed25519           SignatureScheme = 0x0807
	Ed448             SignatureScheme = 0x0808
)

// enum {...} ExtensionType — wire ids fixed by spec.md §6 for the
// extensions this library negotiates, plus the handful of others the
// ClientHello / EncryptedExtensions flow needs to round-trip.
type ExtensionType uint16

const (
	ExtensionTypeServerName             ExtensionType = 0
	ExtensionTypeSupportedGroups        ExtensionType = 10
	ExtensionTypeSignatureAlgorithms    ExtensionType = 13
	ExtensionTypeALPN                   ExtensionType = 16
	ExtensionTypePreSharedKey           ExtensionType = 41
	ExtensionTypeEarlyData              ExtensionType = 42
	ExtensionTypeSupportedVersions      ExtensionType = 43
	ExtensionTypeCookie                 ExtensionType = 44
	ExtensionTypePSKKeyExchangeModes    ExtensionType = 45
	ExtensionTypeCertificateAuthorities ExtensionType = 47
	ExtensionTypeKeyShare               ExtensionType = 51
)

// enum {...} NamedGroup
type NamedGroup uint16

const (
	NamedGroupUnknown NamedGroup = 0
	// Elliptic curve groups.
	P256 NamedGroup = 23
	P384 NamedGroup = 24
	P521 NamedGroup = 25
	// Montgomery-curve ECDH functions.
	X25519 NamedGroup = 29
	X448   NamedGroup = 30
	// Finite-field groups (RFC 7919).
	FFDHE2048 NamedGroup = 256
	FFDHE3072 NamedGroup = 257
	FFDHE4096 NamedGroup = 258
	FFDHE6144 NamedGroup = 259
	FFDHE8192 NamedGroup = 260
)

// enum { psk_ke(0), psk_dhe_ke(1), (255) } PskKeyExchangeMode;
type PSKKeyExchangeMode uint8

const (
	PSKModeKE    PSKKeyExchangeMode = 0
	PSKModeDHEKE PSKKeyExchangeMode = 1
)

// enum { update_not_requested(0), update_requested(1), (255) } KeyUpdateRequest;
type KeyUpdateRequest uint8

const (
	KeyUpdateNotRequested KeyUpdateRequest = 0
	KeyUpdateRequested    KeyUpdateRequest = 1
)

// supportedVersion is the wire value for TLS 1.3 in supported_versions.
const supportedVersion uint16 = 0x0304

type marshaler interface {
	Marshal() ([]byte, error)
}

type unmarshaler interface {
	Unmarshal([]byte) (int, error)
}
