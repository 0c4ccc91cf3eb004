package tls13

import (
	"crypto/subtle"
	"encoding/hex"
	"time"
)

// Server State Machine (spec.md §4.8, C8 server side)
//
//                              START <-----+
//               Recv ClientHello |         | Send HelloRetryRequest
//                                v         |
//                             NEGOTIATED --+
//                                | Send ServerHello, EncryptedExtensions,
//                                | [CertificateRequest, Certificate,
//                                |  CertificateVerify,] Finished
//                                v
//                         WAIT_FLIGHT2
//                     Using  |       | Not using
//            client auth     |       | client auth
//                             v       v
//                       WAIT_CERT   WAIT_FINISHED
//                             | Recv Certificate
//                             v
//                        WAIT_CV (empty cert => skip straight to Finished)
//                             | Recv CertificateVerify
//                             v
//                       WAIT_FINISHED
//                             | Recv Finished
//                             v
//                         CONNECTED
//
// The HelloRetryRequest loop runs inside START's own Next: a ClientHello
// that needs a retry makes START emit the HelloRetryRequest and stay in
// START; NEGOTIATED is entered only once a ClientHello is accepted.
//
// There is no ServerStateWaitEE/WaitCertCR mirror of the client's states:
// the server sends its entire first flight in one Next() call, matching
// how a single ClientHello determines the whole of the rest of the
// server's messages up to Finished (RFC 8446 §2, Figure 1).

type ServerStateStart struct {
	AuthCertificate func(chain []CertificateEntry) error
	Caps            Capabilities

	transcript *Transcript
	sentHRR    bool
	hrrCookie  []byte
}

func (state ServerStateStart) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeClientHello {
		logf(logTypeHandshake, "[ServerStateStart] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	ch := new(ClientHelloBody)
	if _, err := ch.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ServerStateStart] error decoding ClientHello: %v", err)
		return nil, nil, AlertDecodeError
	}

	sv := SupportedVersionsExtension{}
	if !ch.Extensions.Find(&sv) {
		logf(logTypeHandshake, "[ServerStateStart] ClientHello without supported_versions")
		return nil, nil, AlertProtocolVersion
	}
	haveSupportedVersion := false
	for _, v := range sv.Versions {
		haveSupportedVersion = haveSupportedVersion || v == supportedVersion
	}
	if !haveSupportedVersion {
		logf(logTypeHandshake, "[ServerStateStart] no acceptable TLS version offered")
		return nil, nil, AlertProtocolVersion
	}

	if state.Caps.RequireCookie && !state.sentHRR {
		cookie := new(CookieExtension)
		if !ch.Extensions.Find(cookie) {
			hrrShares := KeyShareExtension{HandshakeType: HandshakeMessageClientHello}
			ch.Extensions.Find(&hrrShares)
			group, missing := firstMissingGroup(hrrShares.Shares, state.Caps.Groups)
			if !missing {
				group = state.Caps.Groups[0]
			}

			suite, ok := selectCipherSuite(ch.CipherSuites, state.Caps.CipherSuites)
			if !ok {
				return nil, nil, AlertHandshakeFailure
			}

			transcript := state.transcript
			if transcript == nil {
				transcript = &Transcript{}
			}
			transcript.Append(hm.Marshal())

			return state.sendHelloRetryRequest(transcript, suite, group, true)
		}

		if subtle.ConstantTimeCompare(cookie.Cookie, state.hrrCookie) != 1 {
			logf(logTypeHandshake, "[ServerStateStart] cookie mismatch")
			return nil, nil, AlertIllegalParameter
		}
	}

	suite, ok := selectCipherSuite(ch.CipherSuites, state.Caps.CipherSuites)
	if !ok {
		logf(logTypeHandshake, "[ServerStateStart] no common ciphersuite")
		return nil, nil, AlertHandshakeFailure
	}
	params := cipherSuiteMap[suite]

	clientShares := KeyShareExtension{HandshakeType: HandshakeMessageClientHello}
	ch.Extensions.Find(&clientShares)
	selected, haveShare := selectKeyShareGroup(clientShares.Shares, state.Caps.Groups)

	transcript := state.transcript
	if transcript == nil {
		transcript = &Transcript{}
	}
	transcript.Append(hm.Marshal())

	var usingPSK bool
	var selectedPSKIndex int
	var psk PreSharedKey
	clientPSK := PreSharedKeyExtension{HandshakeType: HandshakeMessageClientHello}
	if ch.Extensions.Find(&clientPSK) && state.Caps.PSKs != nil {
		for i, id := range clientPSK.Identities {
			if cached, ok := state.Caps.PSKs.Get(hex.EncodeToString(id.Identity)); ok {
				if subtle.ConstantTimeCompare(id.Identity, cached.Identity) == 1 {
					usingPSK = true
					selectedPSKIndex = i
					psk = cached
					break
				}
			}
		}
	}

	if usingPSK {
		trunc, err := ch.Truncated()
		if err != nil {
			return nil, nil, AlertInternalError
		}
		truncHash := params.hash.New()
		truncHash.Write(trunc)

		ks := newKeySchedule(params)
		ks.AdvanceEarly(psk.Key)
		binderKey := ks.BinderKey(!psk.IsResumption)
		expected := computeFinishedData(params, binderKey, truncHash.Sum(nil))
		if !verifyFinishedData(params, binderKey, truncHash.Sum(nil), clientPSK.Binders[selectedPSKIndex].Binder) {
			logf(logTypeHandshake, "[ServerStateStart] PSK binder failed to verify")
			return nil, nil, AlertIllegalParameter
		}
		_ = expected
	}

	var earlyDataOffered EarlyDataExtension
	clientOfferedEarlyData := ch.Extensions.Find(&earlyDataOffered)
	usingEarlyData := usingPSK && clientOfferedEarlyData && state.Caps.AllowEarlyData
	if usingEarlyData && state.Caps.AntiReplay != nil {
		binder := clientPSK.Binders[selectedPSKIndex].Binder
		if state.Caps.AntiReplay.Check(binder, time.Now()) {
			logf(logTypeHandshake, "[ServerStateStart] rejecting 0-RTT, binder already seen")
			usingEarlyData = false
		}
	}

	if !haveShare && !usingPSK {
		if state.sentHRR {
			logf(logTypeHandshake, "[ServerStateStart] no common key_share group and no PSK even after HelloRetryRequest")
			return nil, nil, AlertHandshakeFailure
		}

		logf(logTypeHandshake, "[ServerStateStart] no common key_share group, sending HelloRetryRequest")
		group, missing := firstMissingGroup(clientShares.Shares, state.Caps.Groups)
		if !missing {
			group = state.Caps.Groups[0]
		}
		return state.sendHelloRetryRequest(transcript, suite, group, state.Caps.RequireCookie)
	}

	logf(logTypeHandshake, "[ServerStateStart] -> [ServerStateNegotiated]")
	return ServerStateNegotiated{
		AuthCertificate: state.AuthCertificate,
		Caps:            state.Caps,
		transcript:      transcript,
		clientHello:     ch,
		cipherSuite:     suite,
		cryptoParams:    params,
		clientKeyShare:  selected,
		haveClientShare:        haveShare,
		usingPSK:               usingPSK,
		psk:                    psk,
		clientOfferedEarlyData: clientOfferedEarlyData,
		usingEarlyData:         usingEarlyData,
	}.Next(nil)
}

// sendHelloRetryRequest builds and emits a HelloRetryRequest naming group
// as the key-exchange group the client should retry with, optionally
// carrying a fresh stateless cookie, and loops back to ServerStateStart to
// receive the retried ClientHello (RFC 8446 §4.1.4). transcript must
// already have the triggering ClientHello appended; the HRR synthesizes
// the transcript prefix and appends itself.
func (state ServerStateStart) sendHelloRetryRequest(transcript *Transcript, suite CipherSuite, group NamedGroup, withCookie bool) (HandshakeState, []HandshakeAction, Alert) {
	params := cipherSuiteMap[suite]

	sh := NewHelloRetryRequest(suite, ExtensionList{})
	sh.Extensions.Add(&KeyShareExtension{HandshakeType: HandshakeMessageHelloRetryRequest, SelectedGroup: group})

	var issued []byte
	if withCookie {
		var random [32]byte
		if _, err := readFull(prng, random[:]); err != nil {
			return nil, nil, AlertInternalError
		}
		issued = random[:]
		sh.Extensions.Add(&CookieExtension{Cookie: issued})
	}

	hm2, err := HandshakeMessageFromBody(sh)
	if err != nil {
		return nil, nil, AlertInternalError
	}

	transcript.SynthesizeForHRR(params.hash)
	transcript.Append(hm2.Marshal())

	logf(logTypeHandshake, "[ServerStateStart] -> [ServerStateStart] (sending HelloRetryRequest)")
	return ServerStateStart{
		AuthCertificate: state.AuthCertificate,
		Caps:            state.Caps,
		transcript:      transcript,
		sentHRR:         true,
		hrrCookie:       issued,
	}, []HandshakeAction{SendHandshakeMessage{hm2}}, AlertNoAlert
}

func selectCipherSuite(offered, supported []CipherSuite) (CipherSuite, bool) {
	for _, want := range supported {
		for _, have := range offered {
			if want == have {
				return want, true
			}
		}
	}
	return 0, false
}

type ServerStateNegotiated struct {
	AuthCertificate func(chain []CertificateEntry) error
	Caps            Capabilities

	transcript      *Transcript
	clientHello     *ClientHelloBody
	cipherSuite     CipherSuite
	cryptoParams    cipherSuiteParams
	clientKeyShare  KeyShareEntry
	haveClientShare bool
	usingPSK        bool
	psk             PreSharedKey

	clientOfferedEarlyData bool
	usingEarlyData         bool
}

func (state ServerStateNegotiated) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm != nil {
		logf(logTypeHandshake, "[ServerStateNegotiated] unexpected non-nil message")
		return nil, nil, AlertUnexpectedMessage
	}

	params := state.cryptoParams
	clientHelloHash := state.transcript.Hash(params.hash)
	var toSend []HandshakeAction
	sh := &ServerHelloBody{CipherSuite: state.cipherSuite}
	if _, err := readFull(prng, sh.Random[:]); err != nil {
		return nil, nil, AlertInternalError
	}
	sh.Extensions.Add(&SupportedVersionsExtension{Versions: []uint16{supportedVersion}})

	var dhSecret []byte
	if state.haveClientShare {
		pub, priv, err := newKeyShare(state.clientKeyShare.Group)
		if err != nil {
			return nil, nil, AlertInternalError
		}
		dhSecret, err = keyAgreement(state.clientKeyShare.Group, state.clientKeyShare.KeyExchange, priv)
		if err != nil {
			return nil, nil, AlertIllegalParameter
		}
		sh.Extensions.Add(&KeyShareExtension{
			HandshakeType: HandshakeMessageServerHello,
			Shares:        []KeyShareEntry{{Group: state.clientKeyShare.Group, KeyExchange: pub}},
		})
	}

	if state.usingPSK {
		sh.Extensions.Add(&PreSharedKeyExtension{HandshakeType: HandshakeMessageServerHello, SelectedIdentity: 0})
	}

	shm, err := HandshakeMessageFromBody(sh)
	if err != nil {
		return nil, nil, AlertInternalError
	}
	state.transcript.Append(shm.Marshal())
	toSend = append(toSend, SendHandshakeMessage{shm})

	ks := newKeySchedule(params)
	if state.usingPSK {
		ks.AdvanceEarly(state.psk.Key)
	} else {
		ks.AdvanceEarly(nil)
	}

	// The client's 0-RTT application data, if any, is encrypted under the
	// early traffic secret and arrives before its (handshake-key-encrypted)
	// Finished; rekey inbound to it now so Conn can read past it, then the
	// trailing handshake RekeyIn below replaces it for the rest of the flight.
	if state.usingEarlyData {
		clientEarlyTrafficSecret := ks.ClientEarlyTrafficSecret(clientHelloHash)
		toSend = append(toSend,
			RekeyIn{Label: "early data", KeySet: makeTrafficKeys(params, clientEarlyTrafficSecret)},
			ReadEarlyData{},
		)
	} else if state.clientOfferedEarlyData {
		toSend = append(toSend, ReadPastEarlyData{})
	}

	ks.AdvanceHandshake(dhSecret)

	h2 := state.transcript.Hash(params.hash)
	clientHandshakeTrafficSecret := ks.ClientHandshakeTrafficSecret(h2)
	serverHandshakeTrafficSecret := ks.ServerHandshakeTrafficSecret(h2)
	serverHandshakeKeys := makeTrafficKeys(params, serverHandshakeTrafficSecret)
	clientHandshakeKeys := makeTrafficKeys(params, clientHandshakeTrafficSecret)

	toSend = append(toSend, RekeyOut{Label: "handshake", KeySet: serverHandshakeKeys})

	ee := &EncryptedExtensionsBody{}
	var alpnOffered ALPNExtension
	if state.clientHello.Extensions.Find(&alpnOffered) {
		for _, want := range state.Caps.NextProtos {
			for _, have := range alpnOffered.Protocols {
				if want == have {
					ee.Extensions.Add(&ALPNExtension{Protocols: []string{want}})
				}
			}
		}
	}
	if state.usingEarlyData {
		ee.Extensions.Add(&EarlyDataExtension{})
	}
	eem, err := HandshakeMessageFromBody(ee)
	if err != nil {
		return nil, nil, AlertInternalError
	}
	state.transcript.Append(eem.Marshal())
	toSend = append(toSend, SendHandshakeMessage{eem})

	params2 := ConnectionParameters{
		CipherSuite:            state.cipherSuite,
		UsingPSK:               state.usingPSK,
		UsingDH:                state.haveClientShare,
		UsingClientAuth:        state.Caps.RequireClientAuth && !state.usingPSK,
		UsingEarlyData:         state.usingEarlyData,
		ClientSendingEarlyData: state.clientOfferedEarlyData,
	}

	if params2.UsingClientAuth {
		crb := &CertificateRequestBody{}
		crb.Extensions.Add(&SignatureAlgorithmsExtension{Algorithms: state.Caps.SignatureSchemes})
		crm, err := HandshakeMessageFromBody(crb)
		if err != nil {
			return nil, nil, AlertInternalError
		}
		state.transcript.Append(crm.Marshal())
		toSend = append(toSend, SendHandshakeMessage{crm})
	}

	if !state.usingPSK {
		if len(state.Caps.Certificates) == 0 {
			logf(logTypeHandshake, "[ServerStateNegotiated] no certificate configured for non-PSK handshake")
			return nil, nil, AlertInternalError
		}
		cert, scheme, err := CertificateSelection(state.clientSignatureAlgorithms(), state.Caps.Certificates)
		if err != nil {
			cert = state.Caps.Certificates[0]
			scheme = RSA_PSS_SHA256
			if k, ok := schemeForKey(cert.PrivateKey.Public()); ok {
				scheme = k
			}
		}

		certificate := &CertificateBody{CertificateList: make([]CertificateEntry, len(cert.Chain))}
		for i, entry := range cert.Chain {
			certificate.CertificateList[i] = CertificateEntry{CertData: entry}
		}
		certm, err := HandshakeMessageFromBody(certificate)
		if err != nil {
			return nil, nil, AlertInternalError
		}
		state.transcript.Append(certm.Marshal())
		toSend = append(toSend, SendHandshakeMessage{certm})

		hcv := state.transcript.Hash(params.hash)
		cv := &CertificateVerifyBody{Algorithm: scheme}
		if err := cv.Sign(cert.PrivateKey, params.hash, hcv, true); err != nil {
			return nil, nil, AlertInternalError
		}
		cvm, err := HandshakeMessageFromBody(cv)
		if err != nil {
			return nil, nil, AlertInternalError
		}
		state.transcript.Append(cvm.Marshal())
		toSend = append(toSend, SendHandshakeMessage{cvm})
	}

	h3 := state.transcript.Hash(params.hash)
	serverFinishedData := computeFinishedData(params, serverHandshakeTrafficSecret, h3)
	finm, err := HandshakeMessageFromBody(&FinishedBody{VerifyDataLen: len(serverFinishedData), VerifyData: serverFinishedData})
	if err != nil {
		return nil, nil, AlertInternalError
	}
	state.transcript.Append(finm.Marshal())
	toSend = append(toSend, SendHandshakeMessage{finm})

	// Master Secret, the application traffic secrets, and the exporter
	// master secret are all derivable as soon as the Handshake Secret is
	// (RFC 8446 §7.1's schedule has no dependency on the client's
	// Finished); anchoring c/s_ap_traffic and exp_master here, at the
	// transcript position through the server's own Finished, is what lets
	// the client derive the identical secrets upon receipt of this
	// message without first waiting to send its own.
	ks.AdvanceMaster()
	h4 := state.transcript.Hash(params.hash)
	clientAppTrafficSecret := ks.ClientAppTrafficSecret(h4)
	serverAppTrafficSecret := ks.ServerAppTrafficSecret(h4)
	exporterMasterSecret := ks.ExporterMasterSecret(h4)

	logf(logTypeHandshake, "[ServerStateNegotiated] -> [ServerStateWaitFlight2]")
	return ServerStateWaitFlight2{
		AuthCertificate:              state.AuthCertificate,
		Params:                       params2,
		cryptoParams:                 params,
		transcript:                   state.transcript,
		ks:                           ks,
		clientHandshakeTrafficSecret: clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: serverHandshakeTrafficSecret,
		clientAppTrafficSecret:       clientAppTrafficSecret,
		serverAppTrafficSecret:       serverAppTrafficSecret,
		exporterMasterSecret:         exporterMasterSecret,
	}, append(toSend, RekeyIn{Label: "handshake", KeySet: clientHandshakeKeys}), AlertNoAlert
}

func (state ServerStateNegotiated) clientSignatureAlgorithms() []SignatureScheme {
	sa := SignatureAlgorithmsExtension{}
	if state.clientHello.Extensions.Find(&sa) {
		return sa.Algorithms
	}
	return nil
}

type ServerStateWaitFlight2 struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	transcript      *Transcript
	ks              *keySchedule

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
	clientAppTrafficSecret       []byte
	serverAppTrafficSecret       []byte
	exporterMasterSecret         []byte
}

func (state ServerStateWaitFlight2) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm != nil {
		logf(logTypeHandshake, "[ServerStateWaitFlight2] unexpected non-nil message")
		return nil, nil, AlertUnexpectedMessage
	}
	if state.Params.UsingClientAuth {
		logf(logTypeHandshake, "[ServerStateWaitFlight2] -> [ServerStateWaitCert]")
		return ServerStateWaitCert{
			AuthCertificate:              state.AuthCertificate,
			Params:                       state.Params,
			cryptoParams:                 state.cryptoParams,
			transcript:                   state.transcript,
			ks:                           state.ks,
			clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
			clientAppTrafficSecret:       state.clientAppTrafficSecret,
			serverAppTrafficSecret:       state.serverAppTrafficSecret,
			exporterMasterSecret:         state.exporterMasterSecret,
		}, nil, AlertNoAlert
	}
	logf(logTypeHandshake, "[ServerStateWaitFlight2] -> [ServerStateWaitFinished]")
	return ServerStateWaitFinished{
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		transcript:                   state.transcript,
		ks:                           state.ks,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		clientAppTrafficSecret:       state.clientAppTrafficSecret,
		serverAppTrafficSecret:       state.serverAppTrafficSecret,
		exporterMasterSecret:         state.exporterMasterSecret,
	}, nil, AlertNoAlert
}

type ServerStateWaitCert struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	transcript      *Transcript
	ks              *keySchedule

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
	clientAppTrafficSecret       []byte
	serverAppTrafficSecret       []byte
	exporterMasterSecret         []byte
}

func (state ServerStateWaitCert) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeCertificate {
		logf(logTypeHandshake, "[ServerStateWaitCert] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	cert := &CertificateBody{}
	if _, err := cert.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ServerStateWaitCert] error decoding Certificate: %v", err)
		return nil, nil, AlertDecodeError
	}
	state.transcript.Append(hm.Marshal())

	if len(cert.CertificateList) == 0 {
		logf(logTypeHandshake, "[ServerStateWaitCert] client declined to authenticate -> [ServerStateWaitFinished]")
		return ServerStateWaitFinished{
			Params:                       state.Params,
			cryptoParams:                 state.cryptoParams,
			transcript:                   state.transcript,
			ks:                           state.ks,
			clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
			serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
			clientAppTrafficSecret:       state.clientAppTrafficSecret,
			serverAppTrafficSecret:       state.serverAppTrafficSecret,
			exporterMasterSecret:         state.exporterMasterSecret,
		}, nil, AlertNoAlert
	}

	logf(logTypeHandshake, "[ServerStateWaitCert] -> [ServerStateWaitCV]")
	return ServerStateWaitCV{
		AuthCertificate:              state.AuthCertificate,
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		transcript:                   state.transcript,
		ks:                           state.ks,
		clientCertificate:            cert,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		clientAppTrafficSecret:       state.clientAppTrafficSecret,
		serverAppTrafficSecret:       state.serverAppTrafficSecret,
		exporterMasterSecret:         state.exporterMasterSecret,
	}, nil, AlertNoAlert
}

type ServerStateWaitCV struct {
	AuthCertificate func(chain []CertificateEntry) error
	Params          ConnectionParameters
	cryptoParams    cipherSuiteParams
	transcript      *Transcript
	ks              *keySchedule

	clientCertificate *CertificateBody

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
	clientAppTrafficSecret       []byte
	serverAppTrafficSecret       []byte
	exporterMasterSecret         []byte
}

func (state ServerStateWaitCV) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeCertificateVerify {
		logf(logTypeHandshake, "[ServerStateWaitCV] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	cv := CertificateVerifyBody{}
	if _, err := cv.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ServerStateWaitCV] error decoding CertificateVerify: %v", err)
		return nil, nil, AlertDecodeError
	}

	hcv := state.transcript.Hash(state.cryptoParams.hash)
	clientPublicKey := state.clientCertificate.CertificateList[0].CertData.PublicKey
	if err := cv.Verify(clientPublicKey, hcv, false); err != nil {
		logf(logTypeHandshake, "[ServerStateWaitCV] client CertificateVerify failed to verify")
		return nil, nil, AlertDecryptError
	}

	if state.AuthCertificate != nil {
		if err := state.AuthCertificate(state.clientCertificate.CertificateList); err != nil {
			logf(logTypeHandshake, "[ServerStateWaitCV] application rejected client certificate")
			return nil, nil, AlertBadCertificate
		}
	}

	state.transcript.Append(hm.Marshal())

	logf(logTypeHandshake, "[ServerStateWaitCV] -> [ServerStateWaitFinished]")
	return ServerStateWaitFinished{
		Params:                       state.Params,
		cryptoParams:                 state.cryptoParams,
		transcript:                   state.transcript,
		ks:                           state.ks,
		clientHandshakeTrafficSecret: state.clientHandshakeTrafficSecret,
		serverHandshakeTrafficSecret: state.serverHandshakeTrafficSecret,
		clientAppTrafficSecret:       state.clientAppTrafficSecret,
		serverAppTrafficSecret:       state.serverAppTrafficSecret,
		exporterMasterSecret:         state.exporterMasterSecret,
	}, nil, AlertNoAlert
}

type ServerStateWaitFinished struct {
	Params       ConnectionParameters
	cryptoParams cipherSuiteParams
	transcript   *Transcript
	ks           *keySchedule

	clientHandshakeTrafficSecret []byte
	serverHandshakeTrafficSecret []byte
	clientAppTrafficSecret       []byte
	serverAppTrafficSecret       []byte
	exporterMasterSecret         []byte
}

func (state ServerStateWaitFinished) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil || hm.msgType != HandshakeTypeFinished {
		logf(logTypeHandshake, "[ServerStateWaitFinished] unexpected message")
		return nil, nil, AlertUnexpectedMessage
	}

	h := state.transcript.Hash(state.cryptoParams.hash)
	fin := &FinishedBody{VerifyDataLen: state.cryptoParams.hash.Size()}
	if _, err := fin.Unmarshal(hm.body); err != nil {
		logf(logTypeHandshake, "[ServerStateWaitFinished] error decoding Finished: %v", err)
		return nil, nil, AlertDecodeError
	}
	if !verifyFinishedData(state.cryptoParams, state.clientHandshakeTrafficSecret, h, fin.VerifyData) {
		logf(logTypeHandshake, "[ServerStateWaitFinished] client Finished failed to verify")
		return nil, nil, AlertHandshakeFailure
	}

	state.transcript.Append(hm.Marshal())

	// Master Secret was already advanced in ServerStateNegotiated (right
	// after the server's own Finished was transcripted), so
	// clientAppTrafficSecret/serverAppTrafficSecret/exporterMasterSecret
	// carried on state are already correctly anchored at CH..SF; only
	// resumption_master is anchored later, at CH..CF, so it is derived here.
	clientTrafficKeys := makeTrafficKeys(state.cryptoParams, state.clientAppTrafficSecret)
	serverTrafficKeys := makeTrafficKeys(state.cryptoParams, state.serverAppTrafficSecret)
	h2 := state.transcript.Hash(state.cryptoParams.hash)
	resumptionSecret := state.ks.ResumptionMasterSecret(h2)

	logf(logTypeHandshake, "[ServerStateWaitFinished] -> [StateConnected]")
	return StateConnected{
		Params:               state.Params,
		isClient:             false,
		cryptoParams:         state.cryptoParams,
		ks:                   state.ks,
		resumptionSecret:     resumptionSecret,
		exporterMasterSecret: state.exporterMasterSecret,
		clientTrafficSecret:  state.clientAppTrafficSecret,
		serverTrafficSecret:  state.serverAppTrafficSecret,
		keyUpdateLimiter:     newKeyUpdateLimiter(defaultKeyUpdateLimit, defaultKeyUpdateWindow),
	}, []HandshakeAction{
		RekeyIn{Label: "application", KeySet: clientTrafficKeys},
		RekeyOut{Label: "application", KeySet: serverTrafficKeys},
	}, AlertNoAlert
}
