package tls13

import "github.com/google/uuid"

// NewReauthCertificateRequest builds a post-handshake CertificateRequest
// (RFC 8446 §4.3.2's "post-handshake authentication"), which unlike the
// in-handshake CertificateRequest must carry a non-empty, unpredictable
// certificate_request_context so the client's response can be matched
// back to this specific request. gnutls generates this with its own
// CSPRNG call (lib/tls13/certificate_request.c); here the first 12 bytes
// of a UUIDv4 are reused as that 12-byte context instead of a second ad
// hoc randomness call site.
func NewReauthCertificateRequest(schemes []SignatureScheme) (*CertificateRequestBody, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	crb := &CertificateRequestBody{CertificateRequestContext: id[:12]}
	if err := crb.Extensions.Add(&SignatureAlgorithmsExtension{Algorithms: schemes}); err != nil {
		return nil, err
	}
	return crb, nil
}
