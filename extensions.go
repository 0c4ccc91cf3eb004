package tls13

import (
	"fmt"

	"github.com/tls13lab/handshake/internal/syntax"
)

// HandshakeMessageType tags which flight message an extension body was
// parsed from or is being written into, so ExtensionBody implementations
// that vary by message (key_share, pre_shared_key) can pick their wire
// shape. This generalizes the teacher's embedded "HandshakeType" field on
// KeyShareExtension / PreSharedKeyExtension into a single named concept
// shared by every extension-ish type in C3-C6.
type HandshakeMessageType uint8

const (
	HandshakeMessageClientHello HandshakeMessageType = iota
	HandshakeMessageServerHello
	HandshakeMessageHelloRetryRequest
	HandshakeMessageEncryptedExtensions
	HandshakeMessageCertificateRequest
)

// mustUnderstand lists extensions that must not be silently ignored when
// a handler is missing. No code in the package reads this map, so the
// codec does not enforce it.
var mustUnderstand = map[ExtensionType]bool{
	ExtensionTypeSupportedVersions: true,
}

// validIn restricts each extension type to the messages spec.md §4.3 says
// it may legally appear in. Appearance outside this set is "illegal
// extension".
var validIn = map[ExtensionType]map[HandshakeMessageType]bool{
	ExtensionTypeServerName: {
		HandshakeMessageClientHello: true,
	},
	ExtensionTypeSupportedGroups: {
		HandshakeMessageClientHello: true,
	},
	ExtensionTypeSignatureAlgorithms: {
		HandshakeMessageClientHello:        true,
		HandshakeMessageCertificateRequest: true,
	},
	ExtensionTypeALPN: {
		HandshakeMessageClientHello:         true,
		HandshakeMessageEncryptedExtensions: true,
	},
	ExtensionTypePreSharedKey: {
		HandshakeMessageClientHello: true,
		HandshakeMessageServerHello: true,
	},
	ExtensionTypeEarlyData: {
		HandshakeMessageClientHello:         true,
		HandshakeMessageEncryptedExtensions: true,
	},
	ExtensionTypeSupportedVersions: {
		HandshakeMessageClientHello:       true,
		HandshakeMessageServerHello:       true,
		HandshakeMessageHelloRetryRequest: true,
	},
	ExtensionTypeCookie: {
		HandshakeMessageClientHello:       true,
		HandshakeMessageHelloRetryRequest: true,
	},
	ExtensionTypePSKKeyExchangeModes: {
		HandshakeMessageClientHello: true,
	},
	ExtensionTypeCertificateAuthorities: {
		HandshakeMessageClientHello:        true,
		HandshakeMessageCertificateRequest: true,
	},
	ExtensionTypeKeyShare: {
		HandshakeMessageClientHello:       true,
		HandshakeMessageServerHello:       true,
		HandshakeMessageHelloRetryRequest: true,
	},
}

// IllegalExtensionError is returned when an extension appears in a message
// it is not declared valid for (spec.md §4.3, §7 received_illegal_extension).
type IllegalExtensionError struct {
	Type ExtensionType
	In   HandshakeMessageType
}

func (e IllegalExtensionError) Error() string {
	return fmt.Sprintf("tls13: extension %d illegal in message kind %d", e.Type, e.In)
}

func checkValidIn(t ExtensionType, in HandshakeMessageType) error {
	allowed, known := validIn[t]
	if !known {
		// Unknown extensions are ignored rather than rejected, unless the
		// peer marked one of our "must understand" ids with data we can't
		// parse; that is caught at the handler level, not here.
		return nil
	}
	if !allowed[in] {
		return IllegalExtensionError{Type: t, In: in}
	}
	return nil
}

// struct {
//     ExtensionType extension_type;
//     opaque extension_data<0..2^16-1>;
// } Extension;
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

// ExtensionBody is implemented by every concrete extension payload
// (KeyShareExtension, PreSharedKeyExtension, ...).
type ExtensionBody interface {
	Type() ExtensionType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// ExtensionList is the length-prefixed list of Extension values carried in
// ClientHello, ServerHello, EncryptedExtensions, HelloRetryRequest and
// CertificateRequest (spec.md §4.3). The writer uses syntax's deferred
// length handling implicitly: Marshal computes the full body first, and
// callers needing the "reserve 2 bytes, backpatch" pattern for binder
// computation do so explicitly (see ClientHelloBody.Truncated).
type ExtensionList []Extension

func (el ExtensionList) Marshal() ([]byte, error) {
	return syntax.Marshal(struct {
		List []Extension `tls:"head=2"`
	}{List: el})
}

func (el *ExtensionList) Unmarshal(data []byte) (int, error) {
	var inner struct {
		List []Extension `tls:"head=2"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	*el = inner.List
	return n, nil
}

// Add serializes body and appends it to the list, replacing any existing
// extension of the same type.
func (el *ExtensionList) Add(body ExtensionBody) error {
	data, err := body.Marshal()
	if err != nil {
		return err
	}
	if len(data) > maxExtensionDataLen {
		return fmt.Errorf("tls13: extension %d too long", body.Type())
	}

	ext := Extension{ExtensionType: body.Type(), ExtensionData: data}
	for i := range *el {
		if (*el)[i].ExtensionType == ext.ExtensionType {
			(*el)[i] = ext
			return nil
		}
	}
	*el = append(*el, ext)
	return nil
}

// Find looks for the first extension of body's type and unmarshals it in
// place. It returns false (and leaves body untouched) if not present.
func (el ExtensionList) Find(body ExtensionBody) bool {
	for _, ext := range el {
		if ext.ExtensionType == body.Type() {
			_, err := body.Unmarshal(ext.ExtensionData)
			return err == nil
		}
	}
	return false
}

// checkLegality validates every extension in the list against validIn for
// the message kind in is tagged with.
func (el ExtensionList) checkLegality(in HandshakeMessageType) error {
	for _, ext := range el {
		if err := checkValidIn(ext.ExtensionType, in); err != nil {
			return err
		}
	}
	return nil
}

// ServerNameExtension carries the SNI host_name entry only; the teacher
// collapses the ServerNameList wrapper since exactly one entry is ever
// sent in practice.
type ServerNameExtension string

func (sni ServerNameExtension) Type() ExtensionType { return ExtensionTypeServerName }

func (sni ServerNameExtension) Marshal() ([]byte, error) {
	if len(sni) == 0 {
		return nil, fmt.Errorf("tls13: empty server name")
	}
	host := []byte(sni)
	inner := append([]byte{0x00, byte(len(host) >> 8), byte(len(host))}, host...)
	return syntax.Marshal(struct {
		List []byte `tls:"head=2"`
	}{List: inner})
}

func (sni *ServerNameExtension) Unmarshal(data []byte) (int, error) {
	var inner struct {
		List []byte `tls:"head=2"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	if len(inner.List) < 3 || inner.List[0] != 0x00 {
		return 0, fmt.Errorf("tls13: malformed server_name")
	}
	hostLen := int(inner.List[1])<<8 | int(inner.List[2])
	if len(inner.List) < 3+hostLen {
		return 0, fmt.Errorf("tls13: truncated server_name")
	}
	*sni = ServerNameExtension(inner.List[3 : 3+hostLen])
	return n, nil
}

// ALPNExtension is the application_layer_protocol_negotiation extension
// (RFC 7301), needed because the teacher's client/server flows offer and
// select a next protocol.
type ALPNExtension struct {
	Protocols []string
}

func (a ALPNExtension) Type() ExtensionType { return ExtensionTypeALPN }

func (a ALPNExtension) Marshal() ([]byte, error) {
	var body []byte
	for _, p := range a.Protocols {
		body = append(body, byte(len(p)))
		body = append(body, []byte(p)...)
	}
	return syntax.Marshal(struct {
		List []byte `tls:"head=2"`
	}{List: body})
}

func (a *ALPNExtension) Unmarshal(data []byte) (int, error) {
	var inner struct {
		List []byte `tls:"head=2"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	body := inner.List
	a.Protocols = nil
	for len(body) > 0 {
		l := int(body[0])
		if len(body) < 1+l {
			return 0, fmt.Errorf("tls13: truncated alpn protocol")
		}
		a.Protocols = append(a.Protocols, string(body[1:1+l]))
		body = body[1+l:]
	}
	return n, nil
}

// CookieExtension carries the HelloRetryRequest cookie (RFC 8446 §4.2.2).
type CookieExtension struct {
	Cookie []byte
}

func (c CookieExtension) Type() ExtensionType { return ExtensionTypeCookie }

func (c CookieExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(struct {
		Cookie []byte `tls:"head=2,min=1"`
	}{Cookie: c.Cookie})
}

func (c *CookieExtension) Unmarshal(data []byte) (int, error) {
	var inner struct {
		Cookie []byte `tls:"head=2,min=1"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	c.Cookie = inner.Cookie
	return n, nil
}

// SupportedVersionsExtension. On ClientHello/HRR it is a list; on
// ServerHello it is a single value. The teacher always carries a list and
// relies on callers to only read index 0 on the ServerHello side; kept as
// is because that's the only form spec.md's wire section constrains.
type SupportedVersionsExtension struct {
	Versions []uint16
}

func (sv SupportedVersionsExtension) Type() ExtensionType { return ExtensionTypeSupportedVersions }

func (sv SupportedVersionsExtension) Marshal() ([]byte, error) {
	var body []byte
	for _, v := range sv.Versions {
		body = append(body, byte(v>>8), byte(v))
	}
	return syntax.Marshal(struct {
		List []byte `tls:"head=1"`
	}{List: body})
}

func (sv *SupportedVersionsExtension) Unmarshal(data []byte) (int, error) {
	var inner struct {
		List []byte `tls:"head=1"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	sv.Versions = nil
	for i := 0; i+1 < len(inner.List); i += 2 {
		sv.Versions = append(sv.Versions, uint16(inner.List[i])<<8|uint16(inner.List[i+1]))
	}
	return n, nil
}

const (
	maxExtensionDataLen = (1 << 16) - 1
	maxExtensionsLen    = (1 << 16) - 1
)
