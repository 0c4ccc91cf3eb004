package tls13

import (
	"fmt"

	"github.com/tls13lab/handshake/internal/syntax"
)

// struct {
//     NamedGroup group;
//     opaque key_exchange<1..2^16-1>;
// } KeyShareEntry;
type KeyShareEntry struct {
	Group       NamedGroup
	KeyExchange []byte `tls:"head=2,min=1"`
}

// KeyShareExtension is C4 of spec.md §2: the key_share extension, whose
// wire shape differs by the message it rides in (a list of entries in
// ClientHello, a single entry in ServerHello, a single requested group in
// HelloRetryRequest). HandshakeType (generalized to HandshakeMessageType
// here) picks the shape, mirroring the teacher's own field of the same
// purpose.
type KeyShareExtension struct {
	HandshakeType HandshakeMessageType
	Shares        []KeyShareEntry
	SelectedGroup NamedGroup // HelloRetryRequest only
}

func (ks KeyShareExtension) Type() ExtensionType { return ExtensionTypeKeyShare }

func (ks KeyShareExtension) Marshal() ([]byte, error) {
	switch ks.HandshakeType {
	case HandshakeMessageClientHello:
		return syntax.Marshal(struct {
			Shares []KeyShareEntry `tls:"head=2,min=1"`
		}{Shares: ks.Shares})

	case HandshakeMessageServerHello:
		if len(ks.Shares) != 1 {
			return nil, fmt.Errorf("tls13: key_share: server hello must carry exactly one entry")
		}
		return syntax.Marshal(ks.Shares[0])

	case HandshakeMessageHelloRetryRequest:
		return syntax.Marshal(struct {
			SelectedGroup NamedGroup
		}{SelectedGroup: ks.SelectedGroup})

	default:
		return nil, fmt.Errorf("tls13: key_share: unknown handshake message kind %d", ks.HandshakeType)
	}
}

func (ks *KeyShareExtension) Unmarshal(data []byte) (int, error) {
	switch ks.HandshakeType {
	case HandshakeMessageClientHello:
		var inner struct {
			Shares []KeyShareEntry `tls:"head=2,min=1"`
		}
		n, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		ks.Shares = inner.Shares
		return n, nil

	case HandshakeMessageServerHello:
		var entry KeyShareEntry
		n, err := syntax.Unmarshal(data, &entry)
		if err != nil {
			return 0, err
		}
		ks.Shares = []KeyShareEntry{entry}
		return n, nil

	case HandshakeMessageHelloRetryRequest:
		var inner struct {
			SelectedGroup NamedGroup
		}
		n, err := syntax.Unmarshal(data, &inner)
		if err != nil {
			return 0, err
		}
		ks.SelectedGroup = inner.SelectedGroup
		return n, nil

	default:
		return 0, fmt.Errorf("tls13: key_share: unknown handshake message kind %d", ks.HandshakeType)
	}
}

// SupportedGroupsExtension (RFC 8446 §4.2.7) advertises groups the client
// is willing to key_share or receive a HelloRetryRequest group-select
// for.
type SupportedGroupsExtension struct {
	Groups []NamedGroup
}

func (sg SupportedGroupsExtension) Type() ExtensionType { return ExtensionTypeSupportedGroups }

func (sg SupportedGroupsExtension) Marshal() ([]byte, error) {
	return syntax.Marshal(struct {
		Groups []NamedGroup `tls:"head=2,min=2"`
	}{Groups: sg.Groups})
}

func (sg *SupportedGroupsExtension) Unmarshal(data []byte) (int, error) {
	var inner struct {
		Groups []NamedGroup `tls:"head=2,min=2"`
	}
	n, err := syntax.Unmarshal(data, &inner)
	if err != nil {
		return 0, err
	}
	sg.Groups = inner.Groups
	return n, nil
}

// selectKeyShareGroup walks serverGroups in the server's preference order
// and returns the client's share for the first one the client offered,
// with true; it returns false if none match (a HelloRetryRequest can then
// ask for the server's preferred group instead).
func selectKeyShareGroup(offered []KeyShareEntry, serverGroups []NamedGroup) (KeyShareEntry, bool) {
	for _, want := range serverGroups {
		for _, have := range offered {
			if have.Group == want {
				return have, true
			}
		}
	}
	return KeyShareEntry{}, false
}

// firstMissingGroup returns the highest-priority server group the client
// did not offer a share for, used to pick what to ask for in an HRR.
func firstMissingGroup(offered []KeyShareEntry, serverGroups []NamedGroup) (NamedGroup, bool) {
	have := map[NamedGroup]bool{}
	for _, e := range offered {
		have[e.Group] = true
	}
	for _, g := range serverGroups {
		if !have[g] {
			return g, true
		}
	}
	return NamedGroupUnknown, false
}
