package tls13

// computeFinishedData implements RFC 8446 §4.4.4:
//
//	finished_key = HKDF-Expand-Label(BaseKey, "finished", "", Hash.length)
//	verify_data = HMAC(finished_key, Transcript-Hash(Messages))
//
// BaseKey is the relevant traffic secret (client/server handshake traffic
// secret for the two Finished messages; resumption-binder case reuses
// this same construction with the PSK binder key as BaseKey).
func computeFinishedData(params cipherSuiteParams, baseKey, transcriptHash []byte) []byte {
	finishedKey := expandLabel(params, baseKey, labelFinished, nil, params.hash.Size())
	return hmacSum(params.hash, finishedKey, transcriptHash)
}

// verifyFinishedData recomputes verify_data and compares it against
// received in constant time, per spec.md §3 invariant 6 and §8's
// constant-time compare property.
func verifyFinishedData(params cipherSuiteParams, baseKey, transcriptHash, received []byte) bool {
	expected := computeFinishedData(params, baseKey, transcriptHash)
	return constantTimeEqual(expected, received)
}
