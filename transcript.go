package tls13

import "crypto"

// Transcript is the append-only handshake message buffer spec.md §4.1
// (C1) describes: every handshake message, in flight order, concatenated
// exactly as transmitted or received, feeding every transcript hash the
// key schedule and Finished computations need.
//
// The teacher keeps a single running hash.Hash (handshakeHash) updated
// incrementally and never re-readable from the start. That works until
// HelloRetryRequest, which requires rewriting the *prefix* of the
// transcript (replacing ClientHello1 with a synthetic message_hash
// record) after the fact — which an incremental hash can't do. Transcript
// instead keeps the raw bytes and hashes on demand, trading a bounded
// amount of memory (a handshake's messages, not a connection's data) for
// the ability to rewrite clientHello1Start..clientHello1End in place.
type Transcript struct {
	buf []byte

	// clientHello1 marks the byte range of the first ClientHello, the only
	// range HelloRetryRequest ever rewrites.
	clientHello1Start, clientHello1End int
	sawHRR                             bool
}

// Append adds a complete handshake message (4-byte header included) to
// the transcript, in flight order. Per spec.md invariant 1, this is the
// transcript's only mutator besides SynthesizeForHRR.
func (t *Transcript) Append(msg []byte) {
	if len(t.buf) == 0 {
		t.clientHello1Start = 0
	}
	if t.clientHello1End == 0 && len(t.buf) == 0 {
		// First Append is always ClientHello1; remember its extent in case
		// an HRR later requires rewriting it.
		t.clientHello1End = len(msg)
	}
	t.buf = append(t.buf, msg...)
}

// Len reports the current transcript length.
func (t *Transcript) Len() int { return len(t.buf) }

// Hash returns Hash(transcript) under prf, per spec.md §4.1's
// `hash(prf)` operation.
func (t *Transcript) Hash(prf crypto.Hash) []byte {
	h := prf.New()
	h.Write(t.buf)
	return h.Sum(nil)
}

// HashPrefix returns Hash(transcript[:offset]) under prf, the
// `hash_prefix(prf, offset)` operation spec.md §4.1 requires for
// CertificateVerify's signature base (which must cover only messages up
// to, but not including, CertificateVerify itself) and for resumption
// binder computation (up to the truncated ClientHello).
func (t *Transcript) HashPrefix(prf crypto.Hash, offset int) []byte {
	if offset > len(t.buf) {
		offset = len(t.buf)
	}
	h := prf.New()
	h.Write(t.buf[:offset])
	return h.Sum(nil)
}

// SynthesizeForHRR implements spec.md §4.1's `synthesize_for_hrr(prf)`:
// on receipt (client) or emission (server) of a HelloRetryRequest, the
// real ClientHello1 bytes are replaced in the logical transcript by a
// synthetic "message_hash" handshake message carrying Hash(ClientHello1)
// — RFC 8446 §4.4.1's `message_hash` construction:
//
//	struct {
//	    HandshakeType msg_type = message_hash;  /* 254 */
//	    uint24 length = Hash.length;
//	    opaque data[Hash.length];
//	} MessageHash;
//
// This operation is idempotent: calling it twice in a row (spec.md §8
// "HRR rewrite idempotence") is a no-op the second time, since the first
// rewrite sets sawHRR.
func (t *Transcript) SynthesizeForHRR(prf crypto.Hash) {
	if t.sawHRR {
		return
	}
	ch1 := t.buf[t.clientHello1Start:t.clientHello1End]
	h := prf.New()
	h.Write(ch1)
	digest := h.Sum(nil)

	synthetic := make([]byte, 0, 4+len(digest))
	synthetic = append(synthetic, byte(HandshakeTypeMessageHash))
	l := len(digest)
	synthetic = append(synthetic, byte(l>>16), byte(l>>8), byte(l))
	synthetic = append(synthetic, digest...)

	rest := append([]byte{}, t.buf[t.clientHello1End:]...)
	t.buf = append(append([]byte{}, synthetic...), rest...)
	t.clientHello1End = len(synthetic)
	t.sawHRR = true
}

// Bytes exposes the raw transcript, e.g. for tests asserting the
// synthesized message_hash shape.
func (t *Transcript) Bytes() []byte { return t.buf }
