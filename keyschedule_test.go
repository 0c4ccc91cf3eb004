package tls13

import (
	"bytes"
	"crypto"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// TestHkdfExtractRFC5869Vector checks hkdfExtract against RFC 5869 Appendix
// A.1 Test Case 1 (SHA-256, basic test case): the non-teacher-specific,
// unlabelled HKDF-Extract primitive that ExpandLabel/DeriveSecret build on.
func TestHkdfExtractRFC5869Vector(t *testing.T) {
	ikm := hexBytes(t, "0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b0b")
	salt := hexBytes(t, "000102030405060708090a0b0c")
	wantPRK := hexBytes(t, "077709362c2e32df0ddc3f0dc47bba6390b6c73bb50f9c3122ec844ad7c2b3e5")

	got := hkdfExtract(crypto.SHA256, salt, ikm)
	require.Equal(t, wantPRK, got)
}

// TestHkdfExpandRFC5869Vector checks hkdfExpand against the same RFC 5869
// Test Case 1, using the PRK from TestHkdfExtractRFC5869Vector as input so
// the whole Extract-then-Expand chain is externally verified end to end.
func TestHkdfExpandRFC5869Vector(t *testing.T) {
	prk := hexBytes(t, "077709362c2e32df0ddc3f0dc47bba6390b6c73bb50f9c3122ec844ad7c2b3e5")
	info := hexBytes(t, "f0f1f2f3f4f5f6f7f8f9")
	wantOKM := hexBytes(t, "3cb25f25faacd57a90434f64d0362f2a2d2d0a90cf1a5a4c5db02d56ecc4c5bf34007208d5b887185865")

	got := hkdfExpand(crypto.SHA256, prk, info, 42)
	require.Equal(t, wantOKM, got)
}

// TestExpandLabelHkdfLabelLayout independently reconstructs the RFC 8446
// §7.1 HkdfLabel structure byte-for-byte:
//
//	struct {
//	    uint16 length = Length;
//	    opaque label<7..255> = "tls13 " + Label;
//	    opaque context<0..255> = Context;
//	} HkdfLabel;
//
// and feeds it through the bare hkdfExpand primitive (itself pinned to
// RFC 5869 above), then checks expandLabel produces the identical bytes.
// A wrong field order, missing length prefix, or unprefixed label in
// expandLabel's construction would diverge from this independent encoding.
func TestExpandLabelHkdfLabelLayout(t *testing.T) {
	secret := hexBytes(t, "9b2188e9b2fc6d64d71dc329900e20bb41915000f678aa839cbb797cb7d83325")
	context := hexBytes(t, "e05f64fcd082bdb0dce473adf669c2769f257a1c75a51b7887468b5e0e7a7de4")
	const label = "c hs traffic"
	const length = 32

	fullLabel := "tls13 " + label
	var want []byte
	want = append(want, byte(length>>8), byte(length))
	want = append(want, byte(len(fullLabel)))
	want = append(want, []byte(fullLabel)...)
	want = append(want, byte(len(context)))
	want = append(want, context...)
	wantOut := hkdfExpand(crypto.SHA256, secret, want, length)

	params := testParams()
	got := expandLabel(params, secret, label, context, length)
	require.Equal(t, wantOut, got)
}

func testParams() cipherSuiteParams {
	return cipherSuiteMap[TLS_AES_128_GCM_SHA256]
}

func TestKeyScheduleOrdering(t *testing.T) {
	params := testParams()

	require.Panics(t, func() {
		ks := newKeySchedule(params)
		ks.AdvanceHandshake(nil)
	}, "AdvanceHandshake before AdvanceEarly must panic")

	require.Panics(t, func() {
		ks := newKeySchedule(params)
		ks.AdvanceEarly(nil)
		ks.AdvanceMaster()
	}, "AdvanceMaster before AdvanceHandshake must panic")

	require.NotPanics(t, func() {
		ks := newKeySchedule(params)
		ks.AdvanceEarly(nil)
		ks.AdvanceHandshake(nil)
		ks.AdvanceMaster()
	}, "Early -> Handshake -> Master in order must not panic")
}

func TestKeyScheduleLabelledSecretsAreDistinct(t *testing.T) {
	params := testParams()
	ks := newKeySchedule(params)
	ks.AdvanceEarly(nil)
	ks.AdvanceHandshake([]byte("shared secret"))
	ks.AdvanceMaster()

	transcript := bytes.Repeat([]byte{0x42}, params.hash.Size())

	chSecret := ks.ClientHandshakeTrafficSecret(transcript)
	shSecret := ks.ServerHandshakeTrafficSecret(transcript)
	require.NotEqual(t, chSecret, shSecret, "client/server handshake traffic secrets must differ")

	capSecret := ks.ClientAppTrafficSecret(transcript)
	sapSecret := ks.ServerAppTrafficSecret(transcript)
	require.NotEqual(t, capSecret, sapSecret, "client/server application traffic secrets must differ")
	require.NotEqual(t, chSecret, capSecret, "handshake and application traffic secrets must differ")

	exporter := ks.ExporterMasterSecret(transcript)
	resumption := ks.ResumptionMasterSecret(transcript)
	require.NotEqual(t, exporter, resumption, "exporter and resumption master secrets must differ")

	require.Len(t, chSecret, params.hash.Size())
	require.Len(t, exporter, params.hash.Size())
}

func TestKeyScheduleSameTranscriptIsDeterministic(t *testing.T) {
	params := testParams()
	ks := newKeySchedule(params)
	ks.AdvanceEarly(nil)
	ks.AdvanceHandshake([]byte("shared secret"))

	transcript := bytes.Repeat([]byte{0x01}, params.hash.Size())
	a := ks.ClientHandshakeTrafficSecret(transcript)
	b := ks.ClientHandshakeTrafficSecret(transcript)
	require.Equal(t, a, b, "deriving the same labelled secret from the same transcript hash twice must agree")
}

func TestUpdateTrafficSecretIsOneWay(t *testing.T) {
	params := testParams()
	secret := bytes.Repeat([]byte{0x07}, params.hash.Size())

	updated := updateTrafficSecret(params, secret)
	require.NotEqual(t, secret, updated, "KeyUpdate must ratchet to a new secret")
	require.Len(t, updated, params.hash.Size())

	// The ratchet is deterministic forward, but nothing recovers secret
	// from updated: re-deriving from updated never reproduces secret.
	again := updateTrafficSecret(params, updated)
	require.NotEqual(t, secret, again)
	require.NotEqual(t, updated, again)
}

func TestResumptionPSKDerivation(t *testing.T) {
	params := testParams()
	resumptionSecret := bytes.Repeat([]byte{0x09}, params.hash.Size())
	nonce := []byte{0x00, 0x01}

	psk := ResumptionPSK(params, resumptionSecret, nonce)
	require.Len(t, psk, params.hash.Size())

	// Matches the raw formula directly: HKDF-Expand-Label(secret,
	// "resumption", nonce, Hash.length).
	want := expandLabel(params, resumptionSecret, labelResumption, nonce, params.hash.Size())
	require.Equal(t, want, psk)

	otherNonce := []byte{0x00, 0x02}
	require.NotEqual(t, psk, ResumptionPSK(params, resumptionSecret, otherNonce), "distinct ticket nonces must yield distinct PSKs")
}

func TestKeyScheduleZeroize(t *testing.T) {
	params := testParams()
	ks := newKeySchedule(params)
	ks.AdvanceEarly([]byte("psk"))
	ks.AdvanceHandshake([]byte("shared secret"))
	ks.AdvanceMaster()

	ks.zeroize()

	for _, secret := range [][]byte{ks.earlySecret, ks.handshakeSecret, ks.masterSecret, ks.psk} {
		for _, b := range secret {
			require.Zero(t, b)
		}
	}
}
