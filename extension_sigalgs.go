package tls13

import "github.com/tls13lab/handshake/internal/syntax"

// SignatureAlgorithmsExtension (RFC 8446 §4.2.3) appears in ClientHello
// (what the client can verify) and in CertificateRequest (what the
// server will accept from the client), per extensions.go's validIn
// table.
type SignatureAlgorithmsExtension struct {
	Algorithms []SignatureScheme
}

func (sa SignatureAlgorithmsExtension) Type() ExtensionType { return ExtensionTypeSignatureAlgorithms }

func (sa SignatureAlgorithmsExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(struct {
		Algorithms []SignatureScheme `tls:"head=2,min=2"`
	}{Algorithms: sa.Algorithms})
}

func (sa *SignatureAlgorithmsExtension) Unmarshal(data []byte) (int, error) {
	var inner struct {
		Algorithms []SignatureScheme `tls:"head=2,min=2"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	sa.Algorithms = inner.Algorithms
	return n, nil
}

// CertificateAuthoritiesExtension (RFC 8446 §4.2.4) lets a peer restrict
// which CAs' certificates it will accept, in ClientHello or
// CertificateRequest.
type CertificateAuthoritiesExtension struct {
	Authorities [][]byte // DER-encoded DistinguishedName values
}

func (ca CertificateAuthoritiesExtension) Type() ExtensionType {
	return ExtensionTypeCertificateAuthorities
}

func (ca CertificateAuthoritiesExtension) Marshal() ([]byte, error) {
	type dn struct {
		Name []byte `tls:"head=2,min=1"`
	}
	names := make([]dn, len(ca.Authorities))
	for i, a := range ca.Authorities {
		names[i] = dn{Name: a}
	}
	return syntax.Marshal(struct {
		Authorities []dn `tls:"head=2"`
	}{Authorities: names})
}

func (ca *CertificateAuthoritiesExtension) Unmarshal(data []byte) (int, error) {
	type dn struct {
		Name []byte `tls:"head=2,min=1"`
	}
	var inner struct {
		Authorities []dn `tls:"head=2"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	ca.Authorities = nil
	for _, d := range inner.Authorities {
		ca.Authorities = append(ca.Authorities, d.Name)
	}
	return n, nil
}
