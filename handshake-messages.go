package tls13

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/tls13lab/handshake/internal/syntax"
)

const (
	maxCipherSuites          = 1 << 15
	maxCertRequestContextLen = 255
	maxTicketLen             = (1 << 16) - 1
)

// hrrRandomSentinel is the fixed value RFC 8446 §4.1.3 requires a
// HelloRetryRequest's Random field to carry: SHA-256("HelloRetryRequest").
// Because HelloRetryRequest has no wire type of its own (it is a
// ServerHello, see common.go's HandshakeType doc comment), this sentinel
// is the only way to tell the two apart on the wire.
var hrrRandomSentinel = sha256.Sum256([]byte("HelloRetryRequest"))

// HandshakeMessageBody is implemented by every concrete handshake message
// payload (ClientHelloBody, ServerHelloBody, ...).
type HandshakeMessageBody interface {
	Type() HandshakeType
	Marshal() ([]byte, error)
	Unmarshal(data []byte) (int, error)
}

// HandshakeMessage is a single flight message, framed with its 4-byte
// handshake header (spec.md §6's wire format) but with body left
// unparsed until ToBody is called against the right Go type.
type HandshakeMessage struct {
	msgType HandshakeType
	body    []byte
}

// HandshakeMessageFromBody marshals body and wraps it with its header.
func HandshakeMessageFromBody(body HandshakeMessageBody) (*HandshakeMessage, error) {
	data, err := body.Marshal()
	if err != nil {
		return nil, err
	}
	return &HandshakeMessage{msgType: body.Type(), body: data}, nil
}

// Marshal serializes the 4-byte handshake header followed by the body:
//
//	struct {
//	    HandshakeType msg_type;
//	    uint24 length;
//	    select (Handshake.msg_type) { ... } body;
//	} Handshake;
func (hm *HandshakeMessage) Marshal() []byte {
	l := len(hm.body)
	out := make([]byte, 0, 4+l)
	out = append(out, byte(hm.msgType), byte(l>>16), byte(l>>8), byte(l))
	out = append(out, hm.body...)
	return out
}

// ToBody parses the message body into its concrete HandshakeMessageBody,
// dispatching on msgType. For ServerHello this always returns
// *ServerHelloBody; callers distinguish HelloRetryRequest via
// ServerHelloBody.IsHRR(), per spec.md's bit-exact wire requirement that
// HRR is a ServerHello with the sentinel random.
func (hm *HandshakeMessage) ToBody() (HandshakeMessageBody, error) {
	var body HandshakeMessageBody
	switch hm.msgType {
	case HandshakeTypeClientHello:
		body = new(ClientHelloBody)
	case HandshakeTypeServerHello:
		body = new(ServerHelloBody)
	case HandshakeTypeEncryptedExtensions:
		body = new(EncryptedExtensionsBody)
	case HandshakeTypeCertificate:
		body = new(CertificateBody)
	case HandshakeTypeCertificateRequest:
		body = new(CertificateRequestBody)
	case HandshakeTypeCertificateVerify:
		body = new(CertificateVerifyBody)
	case HandshakeTypeFinished:
		body = &FinishedBody{}
	case HandshakeTypeNewSessionTicket:
		body = new(NewSessionTicketBody)
	case HandshakeTypeKeyUpdate:
		body = new(KeyUpdateBody)
	default:
		return nil, fmt.Errorf("tls13: unsupported handshake message type %s", hm.msgType)
	}
	if _, err := body.Unmarshal(hm.body); err != nil {
		return nil, err
	}
	return body, nil
}

// struct {
//     ProtocolVersion legacy_version = 0x0303;
//     Random random;
//     opaque legacy_session_id<0..32>;
//     CipherSuite cipher_suites<2..2^16-2>;
//     opaque legacy_compression_methods<1..2^8-1>;
//     Extension extensions<0..2^16-1>;
// } ClientHello;
type ClientHelloBody struct {
	LegacySessionID []byte
	Random          [32]byte
	CipherSuites    []CipherSuite
	Extensions      ExtensionList
}

type clientHelloBodyInner struct {
	LegacyVersion            uint16
	Random                   [32]byte
	LegacySessionID          []byte        `tls:"head=1,max=32"`
	CipherSuites             []CipherSuite `tls:"head=2,min=2"`
	LegacyCompressionMethods []byte        `tls:"head=1,min=1"`
	Extensions               []Extension   `tls:"head=2"`
}

func (ch ClientHelloBody) Type() HandshakeType { return HandshakeTypeClientHello }

func (ch ClientHelloBody) Marshal() ([]byte, error) {
	if err := ch.Extensions.checkLegality(HandshakeMessageClientHello); err != nil {
		return nil, err
	}
	return syntax.Marshal(clientHelloBodyInner{
		LegacyVersion:            0x0303,
		Random:                   ch.Random,
		LegacySessionID:          ch.LegacySessionID,
		CipherSuites:             ch.CipherSuites,
		LegacyCompressionMethods: []byte{0},
		Extensions:               ch.Extensions,
	})
}

func (ch *ClientHelloBody) Unmarshal(data []byte) (int, error) {
	var inner clientHelloBodyInner
	read, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	if inner.LegacyVersion != 0x0303 {
		return 0, fmt.Errorf("tls13: clienthello: incorrect legacy_version")
	}
	if len(inner.LegacyCompressionMethods) != 1 || inner.LegacyCompressionMethods[0] != 0 {
		return 0, fmt.Errorf("tls13: clienthello: invalid compression method")
	}
	ch.LegacySessionID = inner.LegacySessionID
	ch.Random = inner.Random
	ch.CipherSuites = inner.CipherSuites
	ch.Extensions = inner.Extensions
	return read, nil
}

// Truncated marshals ch with the final PSK extension's binder list
// replaced by nothing, the input to binder MAC computation per RFC 8446
// §4.2.11.2: "binders are computed over the ClientHello up to but not
// including the binders themselves."
func (ch ClientHelloBody) Truncated() ([]byte, error) {
	if len(ch.Extensions) == 0 {
		return nil, fmt.Errorf("tls13: clienthello.truncated: no extensions")
	}
	pskExt := ch.Extensions[len(ch.Extensions)-1]
	if pskExt.ExtensionType != ExtensionTypePreSharedKey {
		return nil, fmt.Errorf("tls13: clienthello.truncated: last extension is not pre_shared_key")
	}

	chm, err := HandshakeMessageFromBody(&ch)
	if err != nil {
		return nil, err
	}
	chData := chm.Marshal()

	psk := PreSharedKeyExtension{HandshakeType: HandshakeMessageClientHello}
	if _, err := psk.Unmarshal(pskExt.ExtensionData); err != nil {
		return nil, err
	}

	binders := struct {
		Binders []PSKBinderEntry `tls:"head=2,min=33"`
	}{Binders: psk.Binders}
	binderData, err := syntax.Marshal(binders)
	if err != nil {
		return nil, err
	}

	return chData[:len(chData)-len(binderData)], nil
}

// struct {
//     ProtocolVersion version;
//     Random random;
//     CipherSuite cipher_suite;
//     Extension extensions<0..2^16-1>;
// } ServerHello;
//
// HelloRetryRequest is this exact struct with Random == hrrRandomSentinel
// (RFC 8446 §4.1.4); there is no separate wire type.
type ServerHelloBody struct {
	Version     uint16
	Random      [32]byte
	CipherSuite CipherSuite
	Extensions  ExtensionList `tls:"head=2"`
}

func (sh ServerHelloBody) Type() HandshakeType { return HandshakeTypeServerHello }

func (sh ServerHelloBody) Marshal() ([]byte, error) { return syntax.Marshal(sh) }

func (sh *ServerHelloBody) Unmarshal(data []byte) (int, error) { return syntax.Unmarshal(data, sh) }

// IsHRR reports whether this ServerHello is actually a HelloRetryRequest.
func (sh *ServerHelloBody) IsHRR() bool { return sh.Random == hrrRandomSentinel }

// NewHelloRetryRequest builds a ServerHelloBody carrying the HRR sentinel
// random, the selected ciphersuite, and whatever extensions (key_share
// group selection, cookie) the caller supplies.
func NewHelloRetryRequest(suite CipherSuite, extensions ExtensionList) *ServerHelloBody {
	return &ServerHelloBody{
		Version:     supportedVersion,
		Random:      hrrRandomSentinel,
		CipherSuite: suite,
		Extensions:  extensions,
	}
}

// struct { opaque verify_data[verify_data_length]; } Finished;
//
// VerifyDataLen is not itself a wire field; the caller must know the
// expected length (the PRF's output size) before unmarshaling.
type FinishedBody struct {
	VerifyDataLen int
	VerifyData    []byte
}

func (fin FinishedBody) Type() HandshakeType { return HandshakeTypeFinished }

func (fin FinishedBody) Marshal() ([]byte, error) {
	if fin.VerifyDataLen != 0 && len(fin.VerifyData) != fin.VerifyDataLen {
		return nil, fmt.Errorf("tls13: finished: data length mismatch")
	}
	out := make([]byte, len(fin.VerifyData))
	copy(out, fin.VerifyData)
	return out, nil
}

func (fin *FinishedBody) Unmarshal(data []byte) (int, error) {
	n := fin.VerifyDataLen
	if n == 0 {
		n = len(data)
	}
	if len(data) < n {
		return 0, fmt.Errorf("tls13: finished: too short")
	}
	fin.VerifyData = append([]byte{}, data[:n]...)
	return n, nil
}

// struct { Extension extensions<0..2^16-1>; } EncryptedExtensions;
type EncryptedExtensionsBody struct {
	Extensions ExtensionList `tls:"head=2"`
}

func (ee EncryptedExtensionsBody) Type() HandshakeType { return HandshakeTypeEncryptedExtensions }

func (ee EncryptedExtensionsBody) Marshal() ([]byte, error) { return syntax.Marshal(ee) }

func (ee *EncryptedExtensionsBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, ee)
}

// opaque ASN1Cert<1..2^24-1>;
// struct { ASN1Cert cert_data; Extension extensions<0..2^16-1>; } CertificateEntry;
// struct {
//     opaque certificate_request_context<0..2^8-1>;
//     CertificateEntry certificate_list<0..2^24-1>;
// } Certificate;
type CertificateEntry struct {
	CertData   *x509.Certificate
	Extensions ExtensionList
}

type CertificateBody struct {
	CertificateRequestContext []byte
	CertificateList           []CertificateEntry
}

func (c CertificateBody) Type() HandshakeType { return HandshakeTypeCertificate }

func (c CertificateBody) Marshal() ([]byte, error) {
	if len(c.CertificateRequestContext) > maxCertRequestContextLen {
		return nil, fmt.Errorf("tls13: certificate: request context too long")
	}

	var certsData []byte
	for _, entry := range c.CertificateList {
		if entry.CertData == nil || len(entry.CertData.Raw) == 0 {
			return nil, fmt.Errorf("tls13: certificate: entry has no DER bytes")
		}
		extData, err := entry.Extensions.Marshal()
		if err != nil {
			return nil, err
		}
		certLen := len(entry.CertData.Raw)
		entryData := []byte{byte(certLen >> 16), byte(certLen >> 8), byte(certLen)}
		entryData = append(entryData, entry.CertData.Raw...)
		entryData = append(entryData, extData...)
		certsData = append(certsData, entryData...)
	}
	certsLen := len(certsData)

	out := []byte{byte(len(c.CertificateRequestContext))}
	out = append(out, c.CertificateRequestContext...)
	out = append(out, byte(certsLen>>16), byte(certsLen>>8), byte(certsLen))
	out = append(out, certsData...)
	return out, nil
}

func (c *CertificateBody) Unmarshal(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, fmt.Errorf("tls13: certificate: too short for context length")
	}
	contextLen := int(data[0])
	if len(data) < 1+contextLen+3 {
		return 0, fmt.Errorf("tls13: certificate: too short for context")
	}
	c.CertificateRequestContext = append([]byte{}, data[1:1+contextLen]...)

	certsLen := int(data[1+contextLen])<<16 | int(data[1+contextLen+1])<<8 | int(data[1+contextLen+2])
	if len(data) < 1+contextLen+3+certsLen {
		return 0, fmt.Errorf("tls13: certificate: too short for certificate_list")
	}

	start := 1 + contextLen + 3
	end := start + certsLen
	c.CertificateList = nil
	for start < end {
		if len(data[start:]) < 3 {
			return 0, fmt.Errorf("tls13: certificate: too short for entry length")
		}
		certLen := int(data[start])<<16 | int(data[start+1])<<8 | int(data[start+2])
		if len(data[start+3:]) < certLen {
			return 0, fmt.Errorf("tls13: certificate: too short for entry")
		}
		cert, err := x509.ParseCertificate(data[start+3 : start+3+certLen])
		if err != nil {
			return 0, fmt.Errorf("tls13: certificate: failed to parse: %w", err)
		}
		var ext ExtensionList
		read, err := ext.Unmarshal(data[start+3+certLen:])
		if err != nil {
			return 0, err
		}
		c.CertificateList = append(c.CertificateList, CertificateEntry{CertData: cert, Extensions: ext})
		start += 3 + certLen + read
	}
	return start, nil
}

// struct { SignatureScheme algorithm; opaque signature<0..2^16-1>; } CertificateVerify;
type CertificateVerifyBody struct {
	Algorithm SignatureScheme
	Signature []byte `tls:"head=2"`
}

func (cv CertificateVerifyBody) Type() HandshakeType { return HandshakeTypeCertificateVerify }

func (cv CertificateVerifyBody) Marshal() ([]byte, error) { return syntax.Marshal(cv) }

func (cv *CertificateVerifyBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, cv)
}

// certificateVerifyContext is the fixed 64 0x20 bytes + context string +
// 0x00 separator RFC 8446 §4.4.3 prepends to the transcript hash before
// signing/verifying, distinguishing a CertificateVerify signature from
// any other use of the same key.
func certificateVerifyContext(forServer bool) string {
	if forServer {
		return "TLS 1.3, server CertificateVerify"
	}
	return "TLS 1.3, client CertificateVerify"
}

func (cv *CertificateVerifyBody) encodeSignatureInput(transcriptHash []byte, forServer bool) []byte {
	sigInput := make([]byte, 64)
	for i := range sigInput {
		sigInput[i] = 0x20
	}
	sigInput = append(sigInput, []byte(certificateVerifyContext(forServer))...)
	sigInput = append(sigInput, 0x00)
	sigInput = append(sigInput, transcriptHash...)
	return sigInput
}

// Sign computes cv.Signature over Transcript-Hash(Messages) for the
// given prf, where forServer selects the context string (spec.md C6:
// CertificateVerify's signature base must distinguish client-auth from
// server-auth use of the same key).
func (cv *CertificateVerifyBody) Sign(privateKey crypto.Signer, prf crypto.Hash, transcriptHash []byte, forServer bool) error {
	sigInput := cv.encodeSignatureInput(transcriptHash, forServer)
	sig, err := sign(cv.Algorithm, privateKey, sigInput)
	if err != nil {
		return err
	}
	cv.Signature = sig
	return nil
}

// Verify checks cv.Signature against the peer's public key.
func (cv *CertificateVerifyBody) Verify(publicKey crypto.PublicKey, transcriptHash []byte, forServer bool) error {
	sigInput := cv.encodeSignatureInput(transcriptHash, forServer)
	return verify(cv.Algorithm, publicKey, sigInput, cv.Signature)
}

// struct {
//     uint32 ticket_lifetime;
//     uint32 ticket_age_add;
//     opaque ticket_nonce<0..255>;
//     opaque ticket<1..2^16-1>;
//     Extension extensions<0..2^16-2>;
// } NewSessionTicket;
type NewSessionTicketBody struct {
	TicketLifetime uint32
	TicketAgeAdd   uint32
	TicketNonce    []byte        `tls:"head=1"`
	Ticket         []byte        `tls:"head=2,min=1"`
	Extensions     ExtensionList `tls:"head=2"`
}

func NewSessionTicket(ticketLen, nonceLen int) (*NewSessionTicketBody, error) {
	tkt := &NewSessionTicketBody{
		Ticket:      make([]byte, ticketLen),
		TicketNonce: make([]byte, nonceLen),
	}
	if _, err := readFull(prng, tkt.Ticket); err != nil {
		return nil, err
	}
	if _, err := readFull(prng, tkt.TicketNonce); err != nil {
		return nil, err
	}
	return tkt, nil
}

func (tkt NewSessionTicketBody) Type() HandshakeType { return HandshakeTypeNewSessionTicket }

func (tkt NewSessionTicketBody) Marshal() ([]byte, error) { return syntax.Marshal(tkt) }

func (tkt *NewSessionTicketBody) Unmarshal(data []byte) (int, error) {
	return syntax.Unmarshal(data, tkt)
}

// struct { KeyUpdateRequest request_update; } KeyUpdate;
type KeyUpdateBody struct {
	KeyUpdateRequest KeyUpdateRequest
}

func (ku KeyUpdateBody) Type() HandshakeType { return HandshakeTypeKeyUpdate }

func (ku KeyUpdateBody) Marshal() ([]byte, error) { return syntax.Marshal(ku) }

func (ku *KeyUpdateBody) Unmarshal(data []byte) (int, error) { return syntax.Unmarshal(data, ku) }

// struct { opaque certificate_request_context<0..2^8-1>; Extension extensions<2..2^16-1>; } CertificateRequest;
type CertificateRequestBody struct {
	CertificateRequestContext []byte `tls:"head=1"`
	Extensions                ExtensionList
}

func (cr CertificateRequestBody) Type() HandshakeType { return HandshakeTypeCertificateRequest }

func (cr CertificateRequestBody) Marshal() ([]byte, error) {
	if err := cr.Extensions.checkLegality(HandshakeMessageCertificateRequest); err != nil {
		return nil, err
	}
	return syntax.Marshal(struct {
		CertificateRequestContext []byte `tls:"head=1"`
		Extensions                []Extension `tls:"head=2"`
	}{CertificateRequestContext: cr.CertificateRequestContext, Extensions: cr.Extensions})
}

func (cr *CertificateRequestBody) Unmarshal(data []byte) (int, error) {
	var inner struct {
		CertificateRequestContext []byte      `tls:"head=1"`
		Extensions                []Extension `tls:"head=2"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	cr.CertificateRequestContext = inner.CertificateRequestContext
	cr.Extensions = inner.Extensions
	return n, nil
}
