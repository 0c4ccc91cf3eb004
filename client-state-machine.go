package tls13

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"time"
)

// Client State Machine (spec.md §4.8, C8 client side)
//
//                            START <----+
//             Send ClientHello |        | Recv HelloRetryRequest
//          /                   v        |
//         |                  WAIT_SH ---+
//     Can |                    | Recv ServerHello
//    send |                    V
//   early |                 WAIT_EE
//    data |                    | Recv EncryptedExtensions
//         |           +--------+--------+
//         |     Using |                 | Using certificate
//         |       PSK |                 v
//         |           |            WAIT_CERT_CR
//         |           |        Recv |       | Recv CertificateRequest
//         |           | Certificate |       v
//         |           |             |    WAIT_CERT
//         |           |             v       v
//         |           |              WAIT_CV
//         |           |                 | Recv CertificateVerify
//         |           +> WAIT_FINISHED <+
//         |                  | Recv Finished
//  Can send app data -->  CONNECTED
//
// HelloRetryRequest is not a separate message type on this wire (RFC
// 8446 §4.1.4): WAIT_SH detects it via ServerHelloBody.IsHRR() and loops
// back to START, after rewriting the transcript via
// Transcript.SynthesizeForHRR.

type ClientStateStart struct {
	Caps   Capabilities
	Opts   ConnectionOptions
	Params ConnectionParameters

	cookie     []byte
	transcript *Transcript
	hrrSeen    bool
	hrrGroup   NamedGroup // set when a HelloRetryRequest named the group to retry with
}

func (state ClientStateStart) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm != nil {
		logf(logTypeHandshake, "[ClientStateStart] unexpected non-nil message")
		return nil, nil, AlertUnexpectedMessage
	}

	// On the initial ClientHello, offer a share for every configured group.
	// On the retried ClientHello after a HelloRetryRequest, RFC 8446 §4.1.2
	// requires offering exactly one share, for the group the server named.
	groups := state.Caps.Groups
	if state.hrrGroup != NamedGroupUnknown {
		groups = []NamedGroup{state.hrrGroup}
	}

	offeredDH := map[NamedGroup][]byte{}
	ks := KeyShareExtension{HandshakeType: HandshakeMessageClientHello, Shares: make([]KeyShareEntry, len(groups))}
	for i, group := range groups {
		pub, priv, err := newKeyShare(group)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error generating key share: %v", err)
			return nil, nil, AlertInternalError
		}
		ks.Shares[i] = KeyShareEntry{Group: group, KeyExchange: pub}
		offeredDH[group] = priv
	}

	sv := SupportedVersionsExtension{Versions: []uint16{supportedVersion}}
	sni := ServerNameExtension(state.Opts.ServerName)
	sg := SupportedGroupsExtension{Groups: state.Caps.Groups}
	sa := SignatureAlgorithmsExtension{Algorithms: state.Caps.SignatureSchemes}

	state.Params.ServerName = state.Opts.ServerName

	var alpn *ALPNExtension
	if len(state.Opts.NextProtos) > 0 {
		alpn = &ALPNExtension{Protocols: state.Opts.NextProtos}
	}

	ch := &ClientHelloBody{CipherSuites: state.Caps.CipherSuites}
	if _, err := readFull(prng, ch.Random[:]); err != nil {
		logf(logTypeHandshake, "[ClientStateStart] error generating client random: %v", err)
		return nil, nil, AlertInternalError
	}

	for _, ext := range []ExtensionBody{&sv, &sni, &ks, &sg, &sa} {
		if len(state.Opts.ServerName) == 0 {
			if _, isSNI := ext.(*ServerNameExtension); isSNI {
				continue
			}
		}
		if err := ch.Extensions.Add(ext); err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error adding extension %v: %v", ext.Type(), err)
			return nil, nil, AlertInternalError
		}
	}
	if alpn != nil {
		if err := ch.Extensions.Add(alpn); err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error adding alpn extension: %v", err)
			return nil, nil, AlertInternalError
		}
	}
	if state.cookie != nil {
		if err := ch.Extensions.Add(&CookieExtension{Cookie: state.cookie}); err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error adding cookie extension: %v", err)
			return nil, nil, AlertInternalError
		}
	}

	var offeredPSK PreSharedKey
	var earlySchedule *keySchedule
	var clientEarlyTrafficKeys keySet
	var clientHello *HandshakeMessage
	var err error

	if key, ok := state.Caps.PSKs.Get(state.Opts.ServerName); ok {
		offeredPSK = key
		params, ok := cipherSuiteMap[key.CipherSuite]
		if !ok {
			logf(logTypeHandshake, "[ClientStateStart] PSK for unknown ciphersuite")
			return nil, nil, AlertInternalError
		}

		var compatible []CipherSuite
		for _, suite := range ch.CipherSuites {
			if cipherSuiteMap[suite].hash == params.hash {
				compatible = append(compatible, suite)
			}
		}
		ch.CipherSuites = compatible

		if len(state.Opts.EarlyData) > 0 {
			state.Params.ClientSendingEarlyData = true
			if err := ch.Extensions.Add(&EarlyDataExtension{}); err != nil {
				logf(logTypeHandshake, "[ClientStateStart] error adding early_data extension: %v", err)
				return nil, nil, AlertInternalError
			}
		}

		if len(state.Caps.PSKModes) == 0 {
			logf(logTypeHandshake, "[ClientStateStart] PSK selected but no PSK modes configured")
			return nil, nil, AlertInternalError
		}
		if err := ch.Extensions.Add(&PSKKeyExchangeModesExtension{KEModes: state.Caps.PSKModes}); err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error adding psk_key_exchange_modes extension: %v", err)
			return nil, nil, AlertInternalError
		}

		psk := &PreSharedKeyExtension{
			HandshakeType: HandshakeMessageClientHello,
			Identities: []PSKIdentity{{
				Identity:            key.Identity,
				ObfuscatedTicketAge: uint32(time.Since(key.ReceivedAt)/time.Millisecond) + key.TicketAgeAdd,
			}},
			Binders: []PSKBinderEntry{{Binder: make([]byte, params.hash.Size())}},
		}
		ch.Extensions.Add(psk)

		earlySchedule = newKeySchedule(params)
		earlySchedule.AdvanceEarly(key.Key)
		binderKey := earlySchedule.BinderKey(!key.IsResumption)

		trunc, err := ch.Truncated()
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error truncating ClientHello for binder: %v", err)
			return nil, nil, AlertInternalError
		}
		truncHash := params.hash.New()
		truncHash.Write(trunc)
		binder := computeFinishedData(params, binderKey, truncHash.Sum(nil))

		psk.Binders[0].Binder = binder
		ch.Extensions.Add(psk)

		clientHello, err = HandshakeMessageFromBody(ch)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error marshaling ClientHello: %v", err)
			return nil, nil, AlertInternalError
		}

		chHash := params.hash.New()
		chHash.Write(clientHello.Marshal())
		earlyTrafficSecret := earlySchedule.ClientEarlyTrafficSecret(chHash.Sum(nil))
		clientEarlyTrafficKeys = makeTrafficKeys(params, earlyTrafficSecret)
	} else if len(state.Opts.EarlyData) > 0 {
		logf(logTypeHandshake, "[ClientStateStart] early data requested without a PSK")
		return nil, nil, AlertInternalError
	} else {
		clientHello, err = HandshakeMessageFromBody(ch)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateStart] error marshaling ClientHello: %v", err)
			return nil, nil, AlertInternalError
		}
	}

	transcript := state.transcript
	if transcript == nil {
		transcript = &Transcript{}
	}
	transcript.Append(clientHello.Marshal())

	logf(logTypeHandshake, "[ClientStateStart] -> [ClientStateWaitSH]")
	nextState := ClientStateWaitSH{
		Caps:          state.Caps,
		Opts:          state.Opts,
		Params:        state.Params,
		OfferedDH:     offeredDH,
		OfferedPSK:    offeredPSK,
		earlySchedule: earlySchedule,
		transcript:    transcript,
	}

	toSend := []HandshakeAction{SendHandshakeMessage{clientHello}}
	if state.Params.ClientSendingEarlyData {
		toSend = append(toSend,
			RekeyOut{Label: "early", KeySet: clientEarlyTrafficKeys},
			SendEarlyData{},
		)
	}
	return nextState, toSend, AlertNoAlert
}

type ClientStateWaitSH struct {
	Caps       Capabilities
	Opts       ConnectionOptions
	Params     ConnectionParameters
	OfferedDH  map[NamedGroup][]byte
	OfferedPSK PreSharedKey

	earlySchedule *keySchedule
	transcript    *Transcript
}

func (state ClientStateWaitSH) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] unexpected nil message")
		return nil, nil, AlertUnexpectedMessage
	}
	if hm.msgType != HandshakeTypeServerHello {
		logf(logTypeHandshake, "[ClientStateWaitSH] unexpected message type %s", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}

	sh := new(ServerHelloBody)
	if _, err := sh.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitSH] error decoding ServerHello: %v", err)
		return nil, nil, AlertDecodeError
	}

	if sh.Version != supportedVersion {
		logf(logTypeHandshake, "[ClientStateWaitSH] unsupported version %v", sh.Version)
		return nil, nil, AlertProtocolVersion
	}

	supportedCipherSuite := false
	for _, suite := range state.Caps.CipherSuites {
		supportedCipherSuite = supportedCipherSuite || suite == sh.CipherSuite
	}
	if !supportedCipherSuite {
		logf(logTypeHandshake, "[ClientStateWaitSH] unsupported ciphersuite %04x", sh.CipherSuite)
		return nil, nil, AlertHandshakeFailure
	}

	if sh.IsHRR() {
		if state.transcript.sawHRR {
			logf(logTypeHandshake, "[ClientStateWaitSH] received a second HelloRetryRequest")
			return nil, nil, AlertUnexpectedMessage
		}

		state.Caps.CipherSuites = []CipherSuite{sh.CipherSuite}

		serverCookie := new(CookieExtension)
		foundCookie := sh.Extensions.Find(serverCookie)

		hrrKeyShare := KeyShareExtension{HandshakeType: HandshakeMessageHelloRetryRequest}
		foundKeyShare := sh.Extensions.Find(&hrrKeyShare)

		if !foundCookie && !foundKeyShare {
			logf(logTypeHandshake, "[ClientStateWaitSH] HRR without a Cookie or key_share extension")
			return nil, nil, AlertIllegalParameter
		}

		var hrrGroup NamedGroup
		if foundKeyShare {
			supported := false
			for _, g := range state.Caps.Groups {
				supported = supported || g == hrrKeyShare.SelectedGroup
			}
			if !supported {
				logf(logTypeHandshake, "[ClientStateWaitSH] HRR named an unsupported group")
				return nil, nil, AlertIllegalParameter
			}
			hrrGroup = hrrKeyShare.SelectedGroup
		}

		params := cipherSuiteMap[sh.CipherSuite]
		state.transcript.Append(hm.Marshal())
		state.transcript.SynthesizeForHRR(params.hash)

		logf(logTypeHandshake, "[ClientStateWaitSH] -> [ClientStateStart] (HelloRetryRequest)")
		return ClientStateStart{
			Caps:       state.Caps,
			Opts:       state.Opts,
			Params:     state.Params,
			cookie:     serverCookie.Cookie,
			transcript: state.transcript,
			hrrSeen:    true,
			hrrGroup:   hrrGroup,
		}.Next(nil)
	}

	serverPSK := PreSharedKeyExtension{HandshakeType: HandshakeMessageServerHello}
	serverKeyShare := KeyShareExtension{HandshakeType: HandshakeMessageServerHello}
	foundPSK := sh.Extensions.Find(&serverPSK)
	foundKeyShare := sh.Extensions.Find(&serverKeyShare)

	if foundPSK && serverPSK.SelectedIdentity == 0 {
		state.Params.UsingPSK = true
	}

	var dhSecret []byte
	if foundKeyShare {
		sks := serverKeyShare.Shares[0]
		priv, ok := state.OfferedDH[sks.Group]
		if !ok {
			logf(logTypeHandshake, "[ClientStateWaitSH] key_share for unoffered group")
			return nil, nil, AlertIllegalParameter
		}
		state.Params.UsingDH = true
		var err error
		dhSecret, err = keyAgreement(sks.Group, sks.KeyExchange, priv)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateWaitSH] key agreement failed: %v", err)
			return nil, nil, AlertIllegalParameter
		}
	}

	state.Params.CipherSuite = sh.CipherSuite
	params, ok := cipherSuiteMap[sh.CipherSuite]
	if !ok {
		logf(logTypeHandshake, "[ClientStateWaitSH] unsupported ciphersuite %04x", sh.CipherSuite)
		return nil, nil, AlertHandshakeFailure
	}

	state.transcript.Append(hm.Marshal())

	ks := state.earlySchedule
	if ks == nil {
		ks = newKeySchedule(params)
		ks.AdvanceEarly(nil)
	} else if ks.params.hash != params.hash {
		logf(logTypeCrypto, "[ClientStateWaitSH] hash changed between early and negotiated ciphersuite")
	}
	ks.AdvanceHandshake(dhSecret)

	h2 := state.transcript.Hash(params.hash)
	clientHandshakeTrafficSecret := ks.ClientHandshakeTrafficSecret(h2)
	serverHandshakeTrafficSecret := ks.ServerHandshakeTrafficSecret(h2)

	serverHandshakeKeys := makeTrafficKeys(params, serverHandshakeTrafficSecret)

	logf(logTypeHandshake, "[ClientStateWaitSH] -> [ClientStateWaitEE]")
	nextState := ClientStateWaitEE{
		Params:                       state.Params,
		cryptoParams:                 params,
		transcript:                   state.transcript,
		ks:                           ks,
		certificates:                 state.Caps.Certificates,
		clientHandshakeTrafficSecret: clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: serverHandshakeTrafficSecret,
	}
	return nextState, []HandshakeAction{RekeyIn{Label: "handshake", KeySet: serverHandshakeKeys}}, AlertNoAlert
}

type ClientStateWaitEE struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	transcript      *Transcript
	ks              *keySchedule
	certificates    []*Certificate

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitEE) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeEncryptedExtensions {
		logf(logTypeHandshake, "[ClientStateWaitEE] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	ee := EncryptedExtensionsBody{}
	if _, err := ee.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitEE] error decoding message: %v", err)
		return nil, nil, AlertDecodeError
	}

	var serverALPN ALPNExtension
	var serverEarlyData EarlyDataExtension
	gotALPN := ee.Extensions.Find(&serverALPN)
	state.Params.UsingEarlyData = ee.Extensions.Find(&serverEarlyData)
	if gotALPN && len(serverALPN.Protocols) > 0 {
		state.Params.NextProto = serverALPN.Protocols[0]
	}

	state.transcript.Append(hm.Marshal())

	if state.Params.UsingPSK {
		logf(logTypeHandshake, "[ClientStateWaitEE] -> [ClientStateWaitFinished]")
		return ClientStateWaitFinished{
			Params:                       state.Params,
			cryptoParams:                 state.cryptoParams,
			transcript:                   state.transcript,
			ks:                           state.ks,
			certificates:                 state.certificates,
			clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		}, nil, AlertNoAlert
	}

	logf(logTypeHandshake, "[ClientStateWaitEE] -> [ClientStateWaitCertCR]")
	return ClientStateWaitCertCR{
		AuthCertificate:              state.AuthCertificate,
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		transcript:                   state.transcript,
		ks:                           state.ks,
		certificates:                 state.certificates,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
	}, nil, AlertNoAlert
}

type ClientStateWaitCertCR struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	transcript      *Transcript
	ks              *keySchedule
	certificates    []*Certificate

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitCertCR) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil {
		logf(logTypeHandshake, "[ClientStateWaitCertCR] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	switch hm.msgType {
	case HandshakeTypeCertificate:
		cert := &CertificateBody{}
		if _, err := cert.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCertCR] error decoding Certificate: %v", err)
			return nil, nil, AlertDecodeError
		}
		state.transcript.Append(hm.Marshal())

		logf(logTypeHandshake, "[ClientStateWaitCertCR] -> [ClientStateWaitCV]")
		return ClientStateWaitCV{
			AuthCertificate:              state.AuthCertificate,
			Params:                       state.Params,
			cryptoParams:                 state.cryptoParams,
			transcript:                   state.transcript,
			ks:                           state.ks,
			certificates:                 state.certificates,
			serverCertificate:            cert,
			clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		}, nil, AlertNoAlert

	case HandshakeTypeCertificateRequest:
		body := &CertificateRequestBody{}
		if _, err := body.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCertCR] error decoding CertificateRequest: %v", err)
			return nil, nil, AlertDecodeError
		}
		if len(body.CertificateRequestContext) > 0 {
			logf(logTypeHandshake, "[ClientStateWaitCertCR] in-handshake CertificateRequest with non-empty context")
			return nil, nil, AlertIllegalParameter
		}
		state.Params.UsingClientAuth = true
		state.transcript.Append(hm.Marshal())

		logf(logTypeHandshake, "[ClientStateWaitCertCR] -> [ClientStateWaitCert]")
		return ClientStateWaitCert{
			AuthCertificate:              state.AuthCertificate,
			Params:                       state.Params,
			cryptoParams:                 state.cryptoParams,
			transcript:                   state.transcript,
			ks:                           state.ks,
			certificates:                 state.certificates,
			serverCertificateRequest:     body,
			clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		}, nil, AlertNoAlert
	}

	return nil, nil, AlertUnexpectedMessage
}

type ClientStateWaitCert struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	transcript      *Transcript
	ks              *keySchedule

	certificates             []*Certificate
	serverCertificateRequest *CertificateRequestBody

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitCert) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeCertificate {
		logf(logTypeHandshake, "[ClientStateWaitCert] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	cert := &CertificateBody{}
	if _, err := cert.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCert] error decoding Certificate: %v", err)
		return nil, nil, AlertDecodeError
	}
	state.transcript.Append(hm.Marshal())

	logf(logTypeHandshake, "[ClientStateWaitCert] -> [ClientStateWaitCV]")
	return ClientStateWaitCV{
		AuthCertificate:              state.AuthCertificate,
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		transcript:                   state.transcript,
		ks:                           state.ks,
		certificates:                 state.certificates,
		serverCertificate:            cert,
		serverCertificateRequest:     state.serverCertificateRequest,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
	}, nil, AlertNoAlert
}

type ClientStateWaitCV struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	transcript      *Transcript
	ks              *keySchedule

	certificates             []*Certificate
	serverCertificate        *CertificateBody
	serverCertificateRequest *CertificateRequestBody

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitCV) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeCertificateVerify {
		logf(logTypeHandshake, "[ClientStateWaitCV] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	certVerify := CertificateVerifyBody{}
	if _, err := certVerify.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] error decoding CertificateVerify: %v", err)
		return nil, nil, AlertDecodeError
	}

	hcv := state.transcript.Hash(state.cryptoParams.hash)
	serverPublicKey := state.serverCertificate.CertificateList[0].CertData.PublicKey
	if err := certVerify.Verify(serverPublicKey, hcv, true); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitCV] server CertificateVerify failed to verify")
		return nil, nil, AlertHandshakeFailure
	}

	if state.AuthCertificate != nil {
		if err := state.AuthCertificate(state.serverCertificate.CertificateList); err != nil {
			logf(logTypeHandshake, "[ClientStateWaitCV] application rejected server certificate")
			return nil, nil, AlertBadCertificate
		}
	} else {
		logf(logTypeHandshake, "[ClientStateWaitCV] WARNING: no verification of server certificate")
	}

	state.transcript.Append(hm.Marshal())

	logf(logTypeHandshake, "[ClientStateWaitCV] -> [ClientStateWaitFinished]")
	return ClientStateWaitFinished{
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		transcript:                   state.transcript,
		ks:                           state.ks,
		certificates:                 state.certificates,
		serverCertificateRequest:     state.serverCertificateRequest,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
	}, nil, AlertNoAlert
}

type ClientStateWaitFinished struct {
	Params       ConnectionParameters
	cryptoParams cipherSuiteParams
	transcript   *Transcript
	ks           *keySchedule

	certificates             []*Certificate
	serverCertificateRequest *CertificateRequestBody

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
}

func (state ClientStateWaitFinished) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeFinished {
		logf(logTypeHandshake, "[ClientStateWaitFinished] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	h3 := state.transcript.Hash(state.cryptoParams.hash)
	fin := &FinishedBody{VerifyDataLen: state.cryptoParams.hash.Size()}
	if _, err := fin.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ClientStateWaitFinished] error decoding Finished: %v", err)
		return nil, nil, AlertDecodeError
	}
	if !verifyFinishedData(state.cryptoParams, state.serverHandshakeTrafficSecret, h3, fin.VerifyData) {
		logf(logTypeHandshake, "[ClientStateWaitFinished] server Finished failed to verify")
		return nil, nil, AlertHandshakeFailure
	}

	state.transcript.Append(hm.Marshal())
	state.ks.AdvanceMaster()

	h4 := state.transcript.Hash(state.cryptoParams.hash)
	clientTrafficSecret := state.ks.ClientAppTrafficSecret(h4)
	serverTrafficSecret := state.ks.ServerAppTrafficSecret(h4)
	exporterMasterSecret := state.ks.ExporterMasterSecret(h4)
	clientTrafficKeys := makeTrafficKeys(state.cryptoParams, clientTrafficSecret)
	serverTrafficKeys := makeTrafficKeys(state.cryptoParams, serverTrafficSecret)

	var toSend []HandshakeAction

	clientHandshakeKeys := makeTrafficKeys(state.cryptoParams, state.clientHandshakeTrafficSecret)
	toSend = append(toSend, RekeyOut{Label: "handshake", KeySet: clientHandshakeKeys})

	if state.Params.UsingClientAuth {
		schemes := SignatureAlgorithmsExtension{}
		if !state.serverCertificateRequest.Extensions.Find(&schemes) {
			logf(logTypeHandshake, "[ClientStateWaitFinished] CertificateRequest missing signature_algorithms")
			return nil, nil, AlertIllegalParameter
		}

		cert, certScheme, err := CertificateSelection(schemes.Algorithms, state.certificates)
		if err != nil {
			logf(logTypeHandshake, "[ClientStateWaitFinished] no appropriate client certificate: %v", err)
			certm, _ := HandshakeMessageFromBody(&CertificateBody{})
			toSend = append(toSend, SendHandshakeMessage{certm})
			state.transcript.Append(certm.Marshal())
		} else {
			certificate := &CertificateBody{CertificateList: make([]CertificateEntry, len(cert.Chain))}
			for i, entry := range cert.Chain {
				certificate.CertificateList[i] = CertificateEntry{CertData: entry}
			}
			certm, err := HandshakeMessageFromBody(certificate)
			if err != nil {
				logf(logTypeHandshake, "[ClientStateWaitFinished] error marshaling Certificate: %v", err)
				return nil, nil, AlertInternalError
			}
			toSend = append(toSend, SendHandshakeMessage{certm})
			state.transcript.Append(certm.Marshal())

			hcv := state.transcript.Hash(state.cryptoParams.hash)
			certificateVerify := &CertificateVerifyBody{Algorithm: certScheme}
			if err := certificateVerify.Sign(cert.PrivateKey, state.cryptoParams.hash, hcv, false); err != nil {
				logf(logTypeHandshake, "[ClientStateWaitFinished] error signing CertificateVerify: %v", err)
				return nil, nil, AlertInternalError
			}
			certvm, err := HandshakeMessageFromBody(certificateVerify)
			if err != nil {
				logf(logTypeHandshake, "[ClientStateWaitFinished] error marshaling CertificateVerify: %v", err)
				return nil, nil, AlertInternalError
			}
			toSend = append(toSend, SendHandshakeMessage{certvm})
			state.transcript.Append(certvm.Marshal())
		}
	}

	h5 := state.transcript.Hash(state.cryptoParams.hash)
	clientFinishedData := computeFinishedData(state.cryptoParams, state.clientHandshakeTrafficSecret, h5)
	finm, err := HandshakeMessageFromBody(&FinishedBody{
		VerifyDataLen: len(clientFinishedData),
		VerifyData:    clientFinishedData,
	})
	if err != nil {
		logf(logTypeHandshake, "[ClientStateWaitFinished] error marshaling client Finished: %v", err)
		return nil, nil, AlertInternalError
	}
	state.transcript.Append(finm.Marshal())

	h6 := state.transcript.Hash(state.cryptoParams.hash)
	resumptionSecret := state.ks.ResumptionMasterSecret(h6)

	toSend = append(toSend,
		SendHandshakeMessage{finm},
		RekeyIn{Label: "application", KeySet: serverTrafficKeys},
		RekeyOut{Label: "application", KeySet: clientTrafficKeys},
	)

	logf(logTypeHandshake, "[ClientStateWaitFinished] -> [StateConnected]")
	return StateConnected{
		Params:               state.Params,
		isClient:             true,
		cryptoParams:         state.cryptoParams,
		ks:                   state.ks,
		resumptionSecret:     resumptionSecret,
		exporterMasterSecret: exporterMasterSecret,
		clientTrafficSecret:  clientTrafficSecret,
		serverTrafficSecret:  serverTrafficSecret,
		keyUpdateLimiter:     newKeyUpdateLimiter(defaultKeyUpdateLimit, defaultKeyUpdateWindow),
	}, toSend, AlertNoAlert
}

// CertificateSelection picks the first configured certificate whose
// private key can produce one of the peer's acceptable signature
// schemes. It is deliberately simple: spec.md's Non-goals exclude a
// credentials store, so only "first match" policy is implemented here,
// not a priority-string-driven selector.
func CertificateSelection(acceptable []SignatureScheme, certs []*Certificate) (*Certificate, SignatureScheme, error) {
	for _, cert := range certs {
		scheme, ok := schemeForKey(cert.PrivateKey.Public())
		if !ok {
			continue
		}
		for _, want := range acceptable {
			if want == scheme {
				return cert, scheme, nil
			}
		}
	}
	return nil, 0, fmt.Errorf("tls13: no certificate matches an acceptable signature scheme")
}

func schemeForKey(pub crypto.PublicKey) (SignatureScheme, bool) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return ECDSA_P256_SHA256, true
		case 384:
			return ECDSA_P384_SHA384, true
		case 521:
			return ECDSA_P521_SHA512, true
		}
		return 0, false
	case ed25519.PublicKey:
		return Ed25519, true
	case *rsa.PublicKey:
		return RSA_PSS_SHA256, true
	default:
		return 0, false
	}
}
