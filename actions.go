package tls13

// HandshakeState is implemented by every node of the client and server
// state machines (spec.md §4.8, C8). Next consumes the next handshake
// message (nil at the very start, to prompt the first flight) and
// returns the next state, zero or more actions for Conn to carry out,
// and an Alert (AlertNoAlert on success). This is the re-entrant,
// cooperative design spec.md §5 and §9 call for: Next never blocks on
// I/O itself, and returning WouldBlock-style "not enough input yet" is
// the caller's (Conn's) job via HandshakeLayer, not the state's.
type HandshakeState interface {
	Next(hm *HandshakeMessage) (HandshakeState, []HandshakeAction, Alert)
}

// HandshakeAction is a side effect a state transition wants Conn to
// perform: send a message, install keys in one direction, push queued
// early data, or persist a PSK. Keeping these as data instead of having
// states call back into Conn directly is what lets the state machine
// stay side-effect-free and therefore unit-testable without a real
// net.Conn (spec.md §9 "no cyclic back-pointers").
type HandshakeAction interface{}

type SendHandshakeMessage struct {
	Message *HandshakeMessage
}

type RekeyIn struct {
	Label  string
	KeySet keySet
}

type RekeyOut struct {
	Label  string
	KeySet keySet
}

type SendEarlyData struct{}

type ReadPastEarlyData struct{}

type ReadEarlyData struct{}

type StorePSK struct {
	PSK PreSharedKey
}

// Capabilities is what a Conn is willing and able to offer or accept:
// the negotiable parameter space, set once from Config at handshake
// start.
type Capabilities struct {
	CipherSuites      []CipherSuite
	Groups            []NamedGroup
	SignatureSchemes  []SignatureScheme
	PSKs              PreSharedKeyCache
	PSKModes          []PSKKeyExchangeMode
	AllowEarlyData    bool
	RequireCookie     bool
	RequireClientAuth bool
	NextProtos        []string
	Certificates      []*Certificate

	// AntiReplay guards PSK binder reuse on 0-RTT ClientHellos. nil
	// means early data is never accepted even if offered.
	AntiReplay AntiReplay
}

// ConnectionOptions is the per-handshake request from the application:
// what the client wants, passed in at Handshake() time.
type ConnectionOptions struct {
	ServerName string
	NextProtos []string
	EarlyData  []byte
}

// ConnectionParameters accumulates the negotiated outcome as the
// handshake proceeds: spec.md Data Model's "Session" entity's negotiated
// fields, assembled incrementally rather than all at once.
type ConnectionParameters struct {
	ServerName             string
	CipherSuite            CipherSuite
	UsingPSK               bool
	UsingDH                bool
	UsingEarlyData         bool
	ClientSendingEarlyData bool
	UsingClientAuth        bool
	NextProto              string
}
