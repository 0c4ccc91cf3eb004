package tls13

import (
	"fmt"
	"time"
)

// defaultKeyUpdateLimit/Window are the K-updates-per-W-ms pair spec.md
// §8's rate limit calls for: 8 KeyUpdates per rolling second, grounded
// on gnutls' key_update.c cooldown (see SUPPLEMENTED FEATURES).
const (
	defaultKeyUpdateLimit  = 8
	defaultKeyUpdateWindow = time.Second
)

// keyUpdateLimiter is a sliding-window rate limiter: Allow
// reports whether another KeyUpdate may be sent right now, recording the
// attempt if so. Expressed as a slice of timestamps rather than gnutls's
// fixed counter-and-epoch scheme because Go has no cheap monotonic epoch
// counter to mirror, and a sliding window matches "K updates per W" more
// literally than a fixed epoch boundary would.
type keyUpdateLimiter struct {
	limit  int
	window time.Duration
	sent   []time.Time
}

func newKeyUpdateLimiter(limit int, window time.Duration) *keyUpdateLimiter {
	return &keyUpdateLimiter{limit: limit, window: window}
}

func (l *keyUpdateLimiter) Allow(now time.Time) bool {
	cutoff := now.Add(-l.window)
	kept := l.sent[:0]
	for _, t := range l.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.sent = kept

	if len(l.sent) >= l.limit {
		return false
	}
	l.sent = append(l.sent, now)
	return true
}

// StateConnected is the terminal handshake state (spec.md §4.8's
// CONNECTED) and also the dispatcher for everything that happens
// afterward on the same connection: NewSessionTicket issuance and
// KeyUpdate, the C9 "post-handshake dispatcher" component. Unlike the
// other states it is re-entered after reaching CONNECTED, so its Next
// only accepts the two post-handshake message types.
type StateConnected struct {
	Params       ConnectionParameters
	isClient     bool
	cryptoParams cipherSuiteParams
	ks           *keySchedule

	resumptionSecret     []byte
	exporterMasterSecret []byte
	clientTrafficSecret  []byte
	serverTrafficSecret  []byte

	keyUpdateLimiter *keyUpdateLimiter
}

// ComputeExporter derives a TLS exporter value (RFC 8446 §7.5), a
// connection-bound secret applications can mix into an outer protocol
// (e.g. channel binding) without exposing the traffic secrets themselves.
func (state StateConnected) ComputeExporter(label string, context []byte, length int) ([]byte, error) {
	if state.exporterMasterSecret == nil {
		return nil, fmt.Errorf("tls13: exporter unavailable before handshake completes")
	}
	h := state.cryptoParams.hash.New()
	h.Write(context)
	derived := deriveSecret(state.cryptoParams, state.exporterMasterSecret, label, emptyHash(state.cryptoParams.hash))
	return expandLabel(state.cryptoParams, derived, "exporter", h.Sum(nil), length), nil
}

func (state StateConnected) Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert) {
	if hm == nil {
		return state, nil, AlertNoAlert
	}

	switch hm.msgType {
	case HandshakeTypeNewSessionTicket:
		if !state.isClient {
			logf(logTypeHandshake, "[StateConnected] server received NewSessionTicket")
			return nil, nil, AlertUnexpectedMessage
		}
		tkt := &NewSessionTicketBody{}
		if _, err := tkt.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[StateConnected] error decoding NewSessionTicket: %v", err)
			return nil, nil, AlertDecodeError
		}

		psk := PreSharedKey{
			CipherSuite:  state.Params.CipherSuite,
			IsResumption: true,
			Identity:     tkt.Ticket,
			Key:          ResumptionPSK(state.cryptoParams, state.resumptionSecret, tkt.TicketNonce),
			ReceivedAt:   receivedAt(),
			TicketAgeAdd: tkt.TicketAgeAdd,
			Lifetime:     tkt.TicketLifetime,
		}
		return state, []HandshakeAction{StorePSK{PSK: psk}}, AlertNoAlert

	case HandshakeTypeKeyUpdate:
		ku := &KeyUpdateBody{}
		if _, err := ku.Unmarshal(hm.body); err != nil {
			logf(logTypeHandshake, "[StateConnected] error decoding KeyUpdate: %v", err)
			return nil, nil, AlertDecodeError
		}

		var inSecret []byte
		if state.isClient {
			inSecret = state.serverTrafficSecret
		} else {
			inSecret = state.clientTrafficSecret
		}
		updated := updateTrafficSecret(state.cryptoParams, inSecret)
		keys := makeTrafficKeys(state.cryptoParams, updated)

		next := state
		if state.isClient {
			next.serverTrafficSecret = updated
		} else {
			next.clientTrafficSecret = updated
		}

		actions := []HandshakeAction{RekeyIn{Label: "application", KeySet: keys}}
		if ku.KeyUpdateRequest == KeyUpdateRequested {
			reply, replyActions, alert := next.KeyUpdate(KeyUpdateNotRequested)
			if alert != AlertNoAlert {
				return nil, nil, alert
			}
			next = reply.(StateConnected)
			actions = append(actions, replyActions...)
		}
		return next, actions, AlertNoAlert

	default:
		logf(logTypeHandshake, "[StateConnected] unexpected post-handshake message type %v", hm.msgType)
		return nil, nil, AlertUnexpectedMessage
	}
}

// NewSessionTicket issues a session ticket (server side only). It always
// issues one; Conn.Handshake checks Config.SendSessionTickets before
// calling it.
func (state StateConnected) NewSessionTicket(ticketLen int, lifetime, earlyDataLifetime uint32) ([]HandshakeAction, Alert) {
	tkt, err := NewSessionTicket(ticketLen, 32)
	if err != nil {
		return nil, AlertInternalError
	}
	tkt.TicketLifetime = lifetime
	var ageAdd [4]byte
	if _, err := readFull(prng, ageAdd[:]); err != nil {
		return nil, AlertInternalError
	}
	tkt.TicketAgeAdd = uint32(ageAdd[0])<<24 | uint32(ageAdd[1])<<16 | uint32(ageAdd[2])<<8 | uint32(ageAdd[3])

	hm, err := HandshakeMessageFromBody(tkt)
	if err != nil {
		return nil, AlertInternalError
	}

	psk := PreSharedKey{
		CipherSuite:  state.Params.CipherSuite,
		IsResumption: true,
		Identity:     tkt.Ticket,
		Key:          ResumptionPSK(state.cryptoParams, state.resumptionSecret, tkt.TicketNonce),
		ReceivedAt:   receivedAt(),
		TicketAgeAdd: tkt.TicketAgeAdd,
		Lifetime:     lifetime,
	}

	return []HandshakeAction{
		SendHandshakeMessage{hm},
		StorePSK{PSK: psk},
	}, AlertNoAlert
}

// KeyUpdate issues a KeyUpdate, ratcheting this side's outbound traffic
// secret one-way (RFC 8446 §7.2) and rejecting the request once
// keyUpdateLimiter's window is exhausted (spec.md §8's rate limit).
func (state StateConnected) KeyUpdate(request KeyUpdateRequest) (HandshakeState, []HandshakeAction, Alert) {
	if state.keyUpdateLimiter != nil && !state.keyUpdateLimiter.Allow(receivedAt()) {
		logf(logTypeHandshake, "[StateConnected] KeyUpdate rate limit exceeded")
		return nil, nil, AlertUnexpectedMessage
	}

	var outSecret []byte
	if state.isClient {
		outSecret = state.clientTrafficSecret
	} else {
		outSecret = state.serverTrafficSecret
	}
	updated := updateTrafficSecret(state.cryptoParams, outSecret)
	keys := makeTrafficKeys(state.cryptoParams, updated)

	hm, err := HandshakeMessageFromBody(&KeyUpdateBody{KeyUpdateRequest: request})
	if err != nil {
		return nil, nil, AlertInternalError
	}

	next := state
	if state.isClient {
		next.clientTrafficSecret = updated
	} else {
		next.serverTrafficSecret = updated
	}

	return next, []HandshakeAction{
		SendHandshakeMessage{hm},
		RekeyOut{Label: "application", KeySet: keys},
	}, AlertNoAlert
}

// receivedAt stamps PSK receipt times. Centralized in one function (not
// called inline as time.Now()) so resumption bookkeeping has one seam if
// a fixed clock is ever needed for deterministic ticket-age tests.
func receivedAt() time.Time { return time.Now() }
