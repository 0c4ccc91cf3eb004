package tls13

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tls13lab/handshake/internal/syntax"
)

// struct {
//     opaque identity<1..2^16-1>;
//     uint32 obfuscated_ticket_age;
// } PskIdentity;
type PSKIdentity struct {
	Identity            []byte `tls:"head=2,min=1"`
	ObfuscatedTicketAge uint32
}

// opaque PskBinderEntry<32..255>;
type PSKBinderEntry struct {
	Binder []byte `tls:"head=1,min=32"`
}

// PreSharedKeyExtension is C5 of spec.md §2, shaped by HandshakeType
// (generalized here to HandshakeMessageType) exactly like KeyShareExtension:
// a list of identities+binders in ClientHello, a single selected index in
// ServerHello.
type PreSharedKeyExtension struct {
	HandshakeType    HandshakeMessageType
	Identities       []PSKIdentity
	Binders          []PSKBinderEntry
	SelectedIdentity uint16 // ServerHello only
}

func (psk PreSharedKeyExtension) Type() ExtensionType { return ExtensionTypePreSharedKey }

func (psk PreSharedKeyExtension) Marshal() ([]byte, error) {
	switch psk.HandshakeType {
	case HandshakeMessageClientHello:
		ids, err := syntax.Marshal(struct {
			Identities []PSKIdentity `tls:"head=2,min=7"`
		}{Identities: psk.Identities})
		if err != nil {
			return nil, err
		}
		binders, err := syntax.Marshal(struct {
			Binders []PSKBinderEntry `tls:"head=2,min=33"`
		}{Binders: psk.Binders})
		if err != nil {
			return nil, err
		}
		return append(ids, binders...), nil

	case HandshakeMessageServerHello:
		return syntax.Marshal(struct {
			SelectedIdentity uint16
		}{SelectedIdentity: psk.SelectedIdentity})

	default:
		return nil, fmt.Errorf("tls13: pre_shared_key: unknown handshake message kind %d", psk.HandshakeType)
	}
}

func (psk *PreSharedKeyExtension) Unmarshal(data []byte) (int, error) {
	switch psk.HandshakeType {
	case HandshakeMessageClientHello:
		var ids struct {
			Identities []PSKIdentity `tls:"head=2,min=7"`
		}
		n1, err := syntax.Unmarshal(data, &ids)
		if err != nil {
			return 0, err
		}
		var binders struct {
			Binders []PSKBinderEntry `tls:"head=2,min=33"`
		}
		n2, err := syntax.Unmarshal(data[n1:], &binders)
		if err != nil {
			return 0, err
		}
		if len(ids.Identities) != len(binders.Binders) {
			return 0, fmt.Errorf("tls13: pre_shared_key: identity/binder count mismatch")
		}
		psk.Identities = ids.Identities
		psk.Binders = binders.Binders
		return n1 + n2, nil

	case HandshakeMessageServerHello:
		var inner struct {
			SelectedIdentity uint16
		}
		n, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		psk.SelectedIdentity = inner.SelectedIdentity
		return n, nil

	default:
		return 0, fmt.Errorf("tls13: pre_shared_key: unknown handshake message kind %d", psk.HandshakeType)
	}
}

// PSKKeyExchangeModesExtension (RFC 8446 §4.2.9) signals whether the
// client will accept PSK-only or PSK-with-(EC)DHE resumption.
type PSKKeyExchangeModesExtension struct {
	KEModes []PSKKeyExchangeMode
}

func (k PSKKeyExchangeModesExtension) Type() ExtensionType { return ExtensionTypePSKKeyExchangeModes }

func (k PSKKeyExchangeModesExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(struct {
		KEModes []PSKKeyExchangeMode `tls:"head=1,min=1"`
	}{KEModes: k.KEModes})
}

func (k *PSKKeyExchangeModesExtension) Unmarshal(data []byte) (int, error) {
	var inner struct {
		KEModes []PSKKeyExchangeMode `tls:"head=1,min=1"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	k.KEModes = inner.KEModes
	return n, nil
}

// struct {} EarlyDataIndication; (shape differs by message, but it is
// always empty on the wire in the messages this library sends/parses —
// NewSessionTicket's early_data, which carries max_early_data_size, is
// out of scope since 0-RTT replay policy details are a Non-goal beyond
// invoking AntiReplay).
type EarlyDataExtension struct{}

func (e EarlyDataExtension) Type() ExtensionType { return ExtensionTypeEarlyData }
func (e EarlyDataExtension) Marshal() ([]byte, error) { return nil, nil }
func (e *EarlyDataExtension) Unmarshal(data []byte) (int, error) { return 0, nil }

// PreSharedKey is a usable PSK: either an out-of-band "external" PSK
// configured directly, or one derived from a previous session's
// NewSessionTicket ("resumption").
type PreSharedKey struct {
	CipherSuite  CipherSuite
	IsResumption bool
	Identity     []byte
	Key          []byte
	ReceivedAt   time.Time
	TicketAgeAdd uint32
	Lifetime     uint32
}

// ExternalPSK builds an out-of-band PreSharedKey from hex-encoded identity
// and key material, the form a CLI takes a PSK in on the command line.
func ExternalPSK(identityHex, keyHex string, suite CipherSuite) (PreSharedKey, error) {
	identity, err := hex.DecodeString(identityHex)
	if err != nil {
		return PreSharedKey{}, fmt.Errorf("tls13: invalid PSK identity: %v", err)
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return PreSharedKey{}, fmt.Errorf("tls13: invalid PSK key: %v", err)
	}
	return PreSharedKey{
		CipherSuite:  suite,
		IsResumption: false,
		Identity:     identity,
		Key:          key,
	}, nil
}

// PreSharedKeyCache is the Credentials-style collaborator spec.md §6
// describes for "persisted ticket state": looked up by server name when
// the client is choosing whether to offer a PSK, and written to on
// receipt of a NewSessionTicket. Implementing a persistent backing store
// is out of scope (spec.md §1 Non-goals exclude a credentials store);
// this is the lookup/store contract only.
type PreSharedKeyCache interface {
	Get(serverName string) (PreSharedKey, bool)
	Put(serverName string, psk PreSharedKey)
}

// PSKMapCache is the simplest possible PreSharedKeyCache: an in-memory
// map keyed by server name, good enough for a single process's lifetime
// and for tests. Grounded on the teacher's own in-memory PSK cache; kept
// under this name for continuity with the teacher's client CLI, which
// constructs one directly.
type PSKMapCache map[string]PreSharedKey

func (c PSKMapCache) Get(serverName string) (PreSharedKey, bool) {
	psk, ok := c[serverName]
	return psk, ok
}

func (c PSKMapCache) Put(serverName string, psk PreSharedKey) {
	c[serverName] = psk
}
