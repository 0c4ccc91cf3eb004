package tls13

import "crypto"

// Label strings from RFC 8446 §7.1's key schedule diagram. HKDF-Expand-
// Label prefixes every label with "tls13 ", so these are kept bare here
// and prefixed once inside expandLabel.
const (
	labelExtBinder     = "ext binder"
	labelResBinder     = "res binder"
	labelClientEarlyTraffic  = "c e traffic"
	labelEarlyExporter       = "e exp master"
	labelClientHandshakeTraffic = "c hs traffic"
	labelServerHandshakeTraffic = "s hs traffic"
	labelClientAppTraffic       = "c ap traffic"
	labelServerAppTraffic       = "s ap traffic"
	labelExporterMaster         = "exp master"
	labelResumptionMaster       = "res master"
	labelDerived                = "derived"
	labelResumption             = "resumption"
	labelFinished               = "finished"
	labelKey                    = "key"
	labelIV                     = "iv"
)

// keySchedule holds the rolling secret state of spec.md §4.2 / Data Model
// "Session" entity's key-schedule fields, advancing Early -> Handshake ->
// Master exactly once each, in that order.
type keySchedule struct {
	params cipherSuiteParams

	earlySecret      []byte
	handshakeSecret  []byte
	masterSecret     []byte

	// psk is nil for a full (non-resumption, non-external-PSK) handshake;
	// when set it is the external or resumption PSK value feeding
	// Derive-Secret(Extract(0, psk), "ext/res binder", "")).
	psk []byte

	stage keyScheduleStage
}

type keyScheduleStage int

const (
	keyScheduleFresh keyScheduleStage = iota
	keyScheduleEarly
	keyScheduleHandshake
	keyScheduleMaster
)

func newKeySchedule(params cipherSuiteParams) *keySchedule {
	return &keySchedule{params: params, stage: keyScheduleFresh}
}

// expandLabel is HKDF-Expand-Label (RFC 8446 §7.1):
//
//	HKDF-Expand-Label(Secret, Label, Context, Length) =
//	    HKDF-Expand(Secret, HkdfLabel, Length)
//
//	struct {
//	    uint16 length = Length;
//	    opaque label<7..255> = "tls13 " + Label;
//	    opaque context<0..255> = Context;
//	} HkdfLabel;
func expandLabel(params cipherSuiteParams, secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	info := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	info = append(info, byte(length>>8), byte(length))
	info = append(info, byte(len(fullLabel)))
	info = append(info, []byte(fullLabel)...)
	info = append(info, byte(len(context)))
	info = append(info, context...)
	return hkdfExpand(params.hash, secret, info, length)
}

// deriveSecret is Derive-Secret(Secret, Label, Messages) (RFC 8446 §7.1):
// HKDF-Expand-Label(Secret, Label, Transcript-Hash(Messages), Hash.length).
func deriveSecret(params cipherSuiteParams, secret []byte, label string, transcriptHash []byte) []byte {
	return expandLabel(params, secret, label, transcriptHash, params.hash.Size())
}

// emptyHash returns Hash("") — the Messages argument for Derive-Secret
// calls made before any transcript bytes exist ("derived" between Early
// and Handshake secret when no PSK or DHE binds them to a transcript, per
// the RFC 8446 §7.1 diagram).
func emptyHash(h crypto.Hash) []byte {
	d := h.New()
	return d.Sum(nil)
}

// AdvanceEarly derives the Early Secret from psk (nil for no-PSK). The
// labelled secrets that branch off it (binder key, client_early_traffic,
// early_exporter_master) are not derived here. Must be called first,
// exactly once, per spec.md invariant on strictly-sequential schedule
// advancement.
func (ks *keySchedule) AdvanceEarly(psk []byte) {
	if ks.stage != keyScheduleFresh {
		panic("tls13: key schedule advanced out of order")
	}
	ks.psk = psk
	ikm := psk
	if ikm == nil {
		ikm = make([]byte, ks.params.hash.Size())
	}
	ks.earlySecret = hkdfExtract(ks.params.hash, nil, ikm)
	ks.stage = keyScheduleEarly
}

// BinderKey returns the "ext binder" or "res binder" labelled secret used
// to key the PSK binder HMAC (spec.md §4.5 / C5).
func (ks *keySchedule) BinderKey(external bool) []byte {
	label := labelResBinder
	if external {
		label = labelExtBinder
	}
	return deriveSecret(ks.params, ks.earlySecret, label, emptyHash(ks.params.hash))
}

// ClientEarlyTrafficSecret derives "c e traffic" from the ClientHello1
// transcript hash, the 0-RTT key installation point (spec.md §4.8).
func (ks *keySchedule) ClientEarlyTrafficSecret(transcriptHash []byte) []byte {
	return deriveSecret(ks.params, ks.earlySecret, labelClientEarlyTraffic, transcriptHash)
}

// EarlyExporterSecret derives "e exp master".
func (ks *keySchedule) EarlyExporterSecret(transcriptHash []byte) []byte {
	return deriveSecret(ks.params, ks.earlySecret, labelEarlyExporter, transcriptHash)
}

// AdvanceHandshake derives the Handshake Secret from the (EC)DHE shared
// secret (or an all-zero IKM if no DHE group was negotiated, i.e. a
// PSK-only resumption). Must follow AdvanceEarly.
func (ks *keySchedule) AdvanceHandshake(dheSecret []byte) {
	if ks.stage != keyScheduleEarly {
		panic("tls13: key schedule advanced out of order")
	}
	salt := deriveSecret(ks.params, ks.earlySecret, labelDerived, emptyHash(ks.params.hash))
	ikm := dheSecret
	if ikm == nil {
		ikm = make([]byte, ks.params.hash.Size())
	}
	ks.handshakeSecret = hkdfExtract(ks.params.hash, salt, ikm)
	ks.stage = keyScheduleHandshake
}

// ClientHandshakeTrafficSecret / ServerHandshakeTrafficSecret derive the
// "c hs traffic" / "s hs traffic" labelled secrets from the transcript
// hash through ServerHello — the key installation point enabling
// encrypted handshake messages (spec.md §4.8).
func (ks *keySchedule) ClientHandshakeTrafficSecret(transcriptHash []byte) []byte {
	return deriveSecret(ks.params, ks.handshakeSecret, labelClientHandshakeTraffic, transcriptHash)
}

func (ks *keySchedule) ServerHandshakeTrafficSecret(transcriptHash []byte) []byte {
	return deriveSecret(ks.params, ks.handshakeSecret, labelServerHandshakeTraffic, transcriptHash)
}

// AdvanceMaster derives the Master Secret. Must follow AdvanceHandshake.
func (ks *keySchedule) AdvanceMaster() {
	if ks.stage != keyScheduleHandshake {
		panic("tls13: key schedule advanced out of order")
	}
	salt := deriveSecret(ks.params, ks.handshakeSecret, labelDerived, emptyHash(ks.params.hash))
	ikm := make([]byte, ks.params.hash.Size())
	ks.masterSecret = hkdfExtract(ks.params.hash, salt, ikm)
	ks.stage = keyScheduleMaster
}

// ClientAppTrafficSecret / ServerAppTrafficSecret derive "c ap traffic" /
// "s ap traffic" from the transcript hash through server Finished — the
// second key installation point (application data).
func (ks *keySchedule) ClientAppTrafficSecret(transcriptHash []byte) []byte {
	return deriveSecret(ks.params, ks.masterSecret, labelClientAppTraffic, transcriptHash)
}

func (ks *keySchedule) ServerAppTrafficSecret(transcriptHash []byte) []byte {
	return deriveSecret(ks.params, ks.masterSecret, labelServerAppTraffic, transcriptHash)
}

// ExporterMasterSecret / ResumptionMasterSecret are derived once Master
// Secret is available; resumption master secret in particular seeds
// NewSessionTicket's resumption PSK for C9.
func (ks *keySchedule) ExporterMasterSecret(transcriptHash []byte) []byte {
	return deriveSecret(ks.params, ks.masterSecret, labelExporterMaster, transcriptHash)
}

func (ks *keySchedule) ResumptionMasterSecret(transcriptHash []byte) []byte {
	return deriveSecret(ks.params, ks.masterSecret, labelResumptionMaster, transcriptHash)
}

// ResumptionPSK derives the PSK value a NewSessionTicket actually carries
// (RFC 8446 §4.6.1): HKDF-Expand-Label(resumption_master_secret,
// "resumption", ticket_nonce, Hash.length).
func ResumptionPSK(params cipherSuiteParams, resumptionMasterSecret, ticketNonce []byte) []byte {
	return expandLabel(params, resumptionMasterSecret, labelResumption, ticketNonce, params.hash.Size())
}

// updateTrafficSecret implements the KeyUpdate ratchet (RFC 8446 §7.2):
// application_traffic_secret_N+1 = HKDF-Expand-Label(secret, "traffic
// upd", "", Hash.length). It is one-way: there is no function to recover
// secret_N from secret_N+1, satisfying spec.md's "rekey is a one-way
// ratchet" invariant.
func updateTrafficSecret(params cipherSuiteParams, secret []byte) []byte {
	return expandLabel(params, secret, "traffic upd", nil, params.hash.Size())
}

// zeroize overwrites every secret this schedule holds, including the psk
// slice it was given. No Conn or session teardown path calls it:
// Conn.Close only closes the underlying connection.
func (ks *keySchedule) zeroize() {
	zero(ks.earlySecret)
	zero(ks.handshakeSecret)
	zero(ks.masterSecret)
	zero(ks.psk)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
