package tls13

import (
	"crypto"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Certificate is the client/server-auth credential spec.md's C6 consumes
// through the abstract signing interface: a chain plus the private key
// backing its leaf. X.509 parsing/validation itself is out of scope
// (spec.md §1 Non-goals); this only shuttles already-parsed certificates.
type Certificate struct {
	Chain      []*x509.Certificate
	PrivateKey crypto.Signer
}

// Config is the single configuration surface for both client and server
// handshakes, lazily defaulted by Init — kept in the teacher's shape and
// extended with the fields this expansion's domain-stack wiring needs:
// anti-replay window, middlebox-compat CCS, and early-start ticket
// issuance (spec.md §9's two open questions).
type Config struct {
	// Client fields
	ServerName string

	// Server fields
	SendSessionTickets bool
	TicketLifetime     uint32
	TicketLen          int
	EarlyDataLifetime  uint32
	AllowEarlyData     bool
	RequireCookie      bool
	RequireClientAuth  bool

	// Shared fields
	Certificates     []*Certificate
	AuthCertificate  func(chain []CertificateEntry) error
	CipherSuites     []CipherSuite
	Groups           []NamedGroup
	SignatureSchemes []SignatureScheme
	NextProtos       []string
	PSKs             PreSharedKeyCache
	PSKModes         []PSKKeyExchangeMode

	// AntiReplay guards 0-RTT early data against replay; defaulted to
	// an in-memory single-use tracker keyed by the ClientHello's PSK
	// binder if left nil and AllowEarlyData is set.
	AntiReplay AntiReplay

	// SendMiddleboxCCS emits the RFC 8446 Appendix D.4 compatibility
	// change_cipher_spec record around the handshake for middleboxes
	// that choke on a TLS 1.3 flight with none. Default off (spec.md
	// §9 open question, decided in DESIGN.md).
	SendMiddleboxCCS bool

	// EarlyStart is carried in Config but no state-machine or Conn code
	// reads it: a server issues NewSessionTicket only after the real
	// client Finished has been verified, whatever its value (see
	// DESIGN.md).
	EarlyStart bool

	// The same config object can be shared among different connections, so it
	// needs its own mutex
	mutex sync.RWMutex
}

func (c *Config) Init(isClient bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	// Set defaults
	if len(c.CipherSuites) == 0 {
		c.CipherSuites = defaultSupportedCipherSuites
	}
	if len(c.Groups) == 0 {
		c.Groups = defaultSupportedGroups
	}
	if len(c.SignatureSchemes) == 0 {
		c.SignatureSchemes = defaultSignatureSchemes
	}
	if c.TicketLen == 0 {
		c.TicketLen = defaultTicketLen
	}
	if c.PSKs == nil {
		c.PSKs = PSKMapCache{}
	}
	if len(c.PSKModes) == 0 {
		c.PSKModes = defaultPSKModes
	}
	if c.AntiReplay == nil && c.AllowEarlyData {
		lifetime := time.Duration(c.EarlyDataLifetime) * time.Second
		if lifetime <= 0 {
			lifetime = defaultEarlyDataLifetime
		}
		c.AntiReplay = NewInMemoryAntiReplay(lifetime)
	}

	// If there is no certificate, generate one
	if !isClient && len(c.Certificates) == 0 {
		priv, err := newSigningKey(RSA_PSS_SHA256)
		if err != nil {
			return err
		}

		cert, err := newSelfSigned(c.ServerName, RSA_PSS_SHA256, priv)
		if err != nil {
			return err
		}

		c.Certificates = []*Certificate{
			{
				Chain:      []*x509.Certificate{cert},
				PrivateKey: priv,
			},
		}
	}

	return nil
}

func (c Config) ValidForServer() bool {
	return c.PSKs != nil ||
		(len(c.Certificates) > 0 &&
			len(c.Certificates[0].Chain) > 0 &&
			c.Certificates[0].PrivateKey != nil)
}

func (c Config) ValidForClient() bool {
	return len(c.ServerName) > 0
}

var (
	defaultSupportedCipherSuites = []CipherSuite{
		TLS_AES_128_GCM_SHA256,
		TLS_AES_256_GCM_SHA384,
		TLS_CHACHA20_POLY1305_SHA256,
	}

	defaultSupportedGroups = []NamedGroup{
		X25519,
		P256,
		P384,
		FFDHE2048,
	}

	defaultSignatureSchemes = []SignatureScheme{
		RSA_PSS_SHA256,
		RSA_PSS_SHA384,
		RSA_PSS_SHA512,
		ECDSA_P256_SHA256,
		ECDSA_P384_SHA384,
		ECDSA_P521_SHA512,
		Ed25519,
	}

	defaultTicketLen = 16

	defaultEarlyDataLifetime = 7 * 24 * time.Hour

	defaultPSKModes = []PSKKeyExchangeMode{
		PSKModeKE,
		PSKModeDHEKE,
	}
)

type ConnectionState struct {
	HandshakeComplete bool                // TLS handshake is complete
	CipherSuite       CipherSuite         // cipher suite in use
	PeerCertificates  []*x509.Certificate // certificate chain presented by remote peer
}

// Conn implements the net.Conn interface, layering the C8 handshake
// state machine and C1-C7 supporting components over an arbitrary
// net.Conn transport (the Transport collaborator spec.md §6 describes).
type Conn struct {
	config   *Config
	conn     net.Conn
	isClient bool

	EarlyData []byte

	state             StateConnected
	handshakeMutex    sync.Mutex
	handshakeAlert    Alert
	handshakeComplete bool

	readBuffer []byte
	in, out    *RecordLayer
	hIn, hOut  *HandshakeLayer
}

func NewConn(conn net.Conn, config *Config, isClient bool) *Conn {
	c := &Conn{conn: conn, config: config, isClient: isClient}
	c.in = NewRecordLayer(c.conn)
	c.out = NewRecordLayer(c.conn)
	c.hIn = NewHandshakeLayer(c.in)
	c.hOut = NewHandshakeLayer(c.out)
	return c
}

func (c *Conn) extendBuffer(n int) error {
	if len(c.in.nextData) == 0 && len(c.readBuffer) > 0 {
		return nil
	}

	for len(c.readBuffer) <= n {
		pt, err := c.in.ReadRecord()
		if pt == nil {
			return err
		}

		switch pt.contentType {
		case RecordTypeHandshake:
			// Post-handshake handshake messages (NewSessionTicket, KeyUpdate,
			// post-handshake CertificateRequest) are not fragmented across
			// records; HandshakeLayer is reserved for the initial handshake.
			start := 0
			for start < len(pt.fragment) {
				if len(pt.fragment[start:]) < handshakeHeaderLen {
					return fmt.Errorf("tls13: post-handshake message too short for header")
				}

				hm := &HandshakeMessage{}
				hm.msgType = HandshakeType(pt.fragment[start])
				hmLen := (int(pt.fragment[start+1]) << 16) + (int(pt.fragment[start+2]) << 8) + int(pt.fragment[start+3])

				if len(pt.fragment[start+handshakeHeaderLen:]) < hmLen {
					return fmt.Errorf("tls13: post-handshake message too short for body")
				}
				hm.body = pt.fragment[start+handshakeHeaderLen : start+handshakeHeaderLen+hmLen]

				state, actions, alert := c.state.Next(hm)
				if alert != AlertNoAlert {
					logf(logTypeHandshake, "error in post-handshake state transition: %v", alert)
					c.sendAlert(alert)
					return io.EOF
				}

				for _, action := range actions {
					alert = c.takeAction(action)
					if alert != AlertNoAlert {
						logf(logTypeHandshake, "error during post-handshake actions: %v", alert)
						c.sendAlert(alert)
						return io.EOF
					}
				}

				var connected bool
				c.state, connected = state.(StateConnected)
				if !connected {
					logf(logTypeHandshake, "disconnected after post-handshake transition: %v", alert)
					c.sendAlert(alert)
					return io.EOF
				}

				start += handshakeHeaderLen + hmLen
			}
		case RecordTypeAlert:
			if len(pt.fragment) != 2 {
				c.sendAlert(AlertUnexpectedMessage)
				return io.EOF
			}
			if Alert(pt.fragment[1]) == AlertCloseNotify {
				return io.EOF
			}

			switch AlertLevel(pt.fragment[0]) {
			case AlertLevelWarning:
				// drop on the floor
			case AlertLevelError:
				return Alert(pt.fragment[1])
			default:
				c.sendAlert(AlertUnexpectedMessage)
				return io.EOF
			}

		case RecordTypeApplicationData:
			c.readBuffer = append(c.readBuffer, pt.fragment...)
			logf(logTypeIO, "extended read buffer to %d bytes", len(c.readBuffer))

		case RecordTypeChangeCipherSpec:
			// RFC 8446 Appendix D.4: ignored unconditionally, whether or not
			// this side configured SendMiddleboxCCS itself.
		}

		if err != nil {
			return err
		}

		if len(c.in.nextData) == 0 {
			return nil
		}

		if len(c.readBuffer) == n && RecordType(c.in.nextData[0]) != RecordTypeAlert {
			return nil
		}
	}
	return nil
}

// Read reads application data, blocking to complete the handshake first
// if it has not happened yet.
func (c *Conn) Read(buffer []byte) (int, error) {
	if alert := c.Handshake(); alert != AlertNoAlert {
		return 0, alert
	}

	c.in.Lock()
	defer c.in.Unlock()

	n := len(buffer)
	err := c.extendBuffer(n)
	var read int
	if len(c.readBuffer) < n {
		buffer = buffer[:len(c.readBuffer)]
		copy(buffer, c.readBuffer)
		read = len(c.readBuffer)
		c.readBuffer = c.readBuffer[:0]
	} else {
		copy(buffer[:n], c.readBuffer[:n])
		c.readBuffer = c.readBuffer[n:]
		read = n
	}

	return read, err
}

// Write sends application data, fragmenting at maxFragmentLen.
func (c *Conn) Write(buffer []byte) (int, error) {
	c.out.Lock()
	defer c.out.Unlock()

	var start int
	sent := 0
	for start = 0; len(buffer)-start >= maxFragmentLen; start += maxFragmentLen {
		err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeApplicationData,
			fragment:    buffer[start : start+maxFragmentLen],
		})
		if err != nil {
			return sent, err
		}
		sent += maxFragmentLen
	}

	if start < len(buffer) {
		err := c.out.WriteRecord(&TLSPlaintext{
			contentType: RecordTypeApplicationData,
			fragment:    buffer[start:],
		})
		if err != nil {
			return sent, err
		}
		sent += len(buffer[start:])
	}
	return sent, nil
}

func (c *Conn) sendAlert(err Alert) error {
	c.handshakeMutex.Lock()
	defer c.handshakeMutex.Unlock()

	level := AlertLevelError
	switch err {
	case AlertNoRenegotiation, AlertCloseNotify:
		level = AlertLevelWarning
	}

	buf := []byte{byte(level), byte(err)}
	c.out.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeAlert,
		fragment:    buf,
	})

	if level == AlertLevelWarning {
		return &net.OpError{Op: "local error", Err: err}
	}

	return c.Close()
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetDeadline(t time.Time) error      { return c.conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error   { return c.conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// sendMiddleboxCCS writes the RFC 8446 Appendix D.4 compatibility
// change_cipher_spec record (byte value 1), a record layer no-op real
// TLS 1.3 peers ignore but some middleboxes expect to see.
func (c *Conn) sendMiddleboxCCS() error {
	return c.out.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeChangeCipherSpec,
		fragment:    []byte{0x01},
	})
}

func (c *Conn) takeAction(actionGeneric HandshakeAction) Alert {
	label := "[server]"
	if c.isClient {
		label = "[client]"
	}

	switch action := actionGeneric.(type) {
	case SendHandshakeMessage:
		if err := c.hOut.WriteMessage(action.Message); err != nil {
			logf(logTypeHandshake, "%s error writing handshake message: %v", label, err)
			return AlertInternalError
		}

	case RekeyIn:
		logf(logTypeHandshake, "%s rekeying in: %s", label, action.Label)
		if err := c.in.Rekey(action.KeySet.cipher, action.KeySet.key, action.KeySet.iv); err != nil {
			logf(logTypeHandshake, "%s unable to rekey inbound: %v", label, err)
			return AlertInternalError
		}

	case RekeyOut:
		logf(logTypeHandshake, "%s rekeying out: %s", label, action.Label)
		if err := c.out.Rekey(action.KeySet.cipher, action.KeySet.key, action.KeySet.iv); err != nil {
			logf(logTypeHandshake, "%s unable to rekey outbound: %v", label, err)
			return AlertInternalError
		}

	case SendEarlyData:
		logf(logTypeHandshake, "%s sending early data", label)
		if _, err := c.Write(c.EarlyData); err != nil {
			logf(logTypeHandshake, "%s error writing early data: %v", label, err)
			return AlertInternalError
		}

	case ReadPastEarlyData:
		logf(logTypeHandshake, "%s reading past early data", label)
		_, err := c.in.PeekRecordType()
		for err != nil {
			if _, ok := err.(DecryptError); !ok {
				break
			}
			_, err = c.in.PeekRecordType()
		}

	case ReadEarlyData:
		logf(logTypeHandshake, "%s reading early data", label)
		t, err := c.in.PeekRecordType()
		if err != nil {
			logf(logTypeHandshake, "%s error reading record type: %v", label, err)
			return AlertInternalError
		}

		for t == RecordTypeApplicationData {
			pt, err := c.in.ReadRecord()
			if err != nil {
				logf(logTypeHandshake, "%s error reading early data record: %v", label, err)
				return AlertInternalError
			}
			c.EarlyData = append(c.EarlyData, pt.fragment...)

			t, err = c.in.PeekRecordType()
			if err != nil {
				logf(logTypeHandshake, "%s error reading record type: %v", label, err)
				return AlertInternalError
			}
		}

	case StorePSK:
		logf(logTypeHandshake, "%s storing new session ticket identity [%x]", label, action.PSK.Identity)
		if c.isClient {
			c.config.PSKs.Put(c.config.ServerName, action.PSK)
		} else {
			c.config.PSKs.Put(hex.EncodeToString(action.PSK.Identity), action.PSK)
		}

	default:
		logf(logTypeHandshake, "%s unknown action type", label)
		return AlertInternalError
	}

	return AlertNoAlert
}

// Handshake runs the TLS 1.3 handshake, blocking until it completes or
// fails. Safe to call repeatedly; a completed handshake returns
// immediately.
func (c *Conn) Handshake() Alert {
	if c.handshakeAlert != AlertNoAlert && c.handshakeAlert != AlertCloseNotify {
		return c.handshakeAlert
	}
	if c.handshakeComplete {
		return AlertNoAlert
	}

	if err := c.config.Init(c.isClient); err != nil {
		logf(logTypeHandshake, "error initializing config: %v", err)
		return AlertInternalError
	}

	caps := Capabilities{
		CipherSuites:      c.config.CipherSuites,
		Groups:            c.config.Groups,
		SignatureSchemes:  c.config.SignatureSchemes,
		PSKs:              c.config.PSKs,
		PSKModes:          c.config.PSKModes,
		AllowEarlyData:    c.config.AllowEarlyData,
		RequireCookie:     c.config.RequireCookie,
		RequireClientAuth: c.config.RequireClientAuth,
		NextProtos:        c.config.NextProtos,
		Certificates:      c.config.Certificates,
		AntiReplay:        c.config.AntiReplay,
	}
	opts := ConnectionOptions{
		ServerName: c.config.ServerName,
		NextProtos: c.config.NextProtos,
		EarlyData:  c.EarlyData,
	}

	if c.config.SendMiddleboxCCS {
		if err := c.sendMiddleboxCCS(); err != nil {
			logf(logTypeHandshake, "error sending middlebox CCS: %v", err)
			return AlertInternalError
		}
	}

	var state HandshakeState
	var actions []HandshakeAction
	var alert Alert
	connected := false

	if c.isClient {
		state, actions, alert = ClientStateStart{Caps: caps, Opts: opts}.Next(nil)
		if alert != AlertNoAlert {
			logf(logTypeHandshake, "error initializing client state: %v", alert)
			return alert
		}

		for _, action := range actions {
			if alert = c.takeAction(action); alert != AlertNoAlert {
				logf(logTypeHandshake, "error during handshake actions: %v", alert)
				return alert
			}
		}

		_, connected = state.(StateConnected)
	} else {
		state = ServerStateStart{Caps: caps, AuthCertificate: c.config.AuthCertificate}
	}

	for !connected {
		hm, err := c.hIn.ReadMessage()
		if err != nil {
			logf(logTypeHandshake, "error reading message: %v", err)
			c.sendAlert(AlertCloseNotify)
			return AlertCloseNotify
		}

		state, actions, alert = state.Next(hm)
		if alert != AlertNoAlert {
			logf(logTypeHandshake, "error in state transition: %v", alert)
			c.sendAlert(alert)
			return alert
		}

		for _, action := range actions {
			if alert = c.takeAction(action); alert != AlertNoAlert {
				logf(logTypeHandshake, "error during handshake actions: %v", alert)
				c.sendAlert(alert)
				return alert
			}
		}

		_, connected = state.(StateConnected)
	}

	c.state = state.(StateConnected)

	if !c.isClient && c.config.SendSessionTickets {
		actions, alert := c.state.NewSessionTicket(
			c.config.TicketLen,
			c.config.TicketLifetime,
			c.config.EarlyDataLifetime)
		if alert != AlertNoAlert {
			logf(logTypeHandshake, "error issuing session ticket: %v", alert)
			return alert
		}

		for _, action := range actions {
			if alert = c.takeAction(action); alert != AlertNoAlert {
				logf(logTypeHandshake, "error during ticket-issuance actions: %v", alert)
				c.sendAlert(alert)
				return alert
			}
		}
	}

	c.handshakeComplete = true
	return AlertNoAlert
}

// ComputeExporter derives a TLS exporter value (RFC 8446 §7.5) from the
// completed handshake's exporter master secret.
func (c *Conn) ComputeExporter(label string, context []byte, length int) ([]byte, error) {
	if !c.handshakeComplete {
		return nil, fmt.Errorf("tls13: cannot compute exporter before handshake completes")
	}
	return c.state.ComputeExporter(label, context, length)
}

// SendKeyUpdate ratchets this side's outbound traffic secret (RFC 8446
// §7.2), optionally requesting the peer do the same.
func (c *Conn) SendKeyUpdate(requestUpdate bool) error {
	if !c.handshakeComplete {
		return fmt.Errorf("tls13: cannot update keys before handshake completes")
	}

	request := KeyUpdateNotRequested
	if requestUpdate {
		request = KeyUpdateRequested
	}

	state, actions, alert := c.state.KeyUpdate(request)
	if alert != AlertNoAlert {
		c.sendAlert(alert)
		return fmt.Errorf("tls13: alert generating key update: %v", alert)
	}
	c.state = state.(StateConnected)

	for _, action := range actions {
		if alert = c.takeAction(action); alert != AlertNoAlert {
			c.sendAlert(alert)
			return fmt.Errorf("tls13: alert during key update actions: %v", alert)
		}
	}

	return nil
}
