package tls13

import "fmt"

// Alert is the TLS alert registry (RFC 8446 §6), doubling as the error
// type every state-transition function returns, exactly as the teacher's
// Alert type does. AlertNoAlert signals "no error."
type Alert uint8

const (
	AlertNoAlert Alert = 0

	AlertCloseNotify            Alert = 0
	AlertUnexpectedMessage      Alert = 10
	AlertBadRecordMac           Alert = 20
	AlertRecordOverflow         Alert = 22
	AlertHandshakeFailure       Alert = 40
	AlertBadCertificate         Alert = 42
	AlertUnsupportedCertificate Alert = 43
	AlertCertificateRevoked     Alert = 44
	AlertCertificateExpired     Alert = 45
	AlertCertificateUnknown     Alert = 46
	AlertIllegalParameter       Alert = 47
	AlertUnknownCA              Alert = 48
	AlertAccessDenied           Alert = 49
	AlertDecodeError            Alert = 50
	AlertDecryptError           Alert = 51
	AlertProtocolVersion        Alert = 70
	AlertInsufficientSecurity   Alert = 71
	AlertInternalError          Alert = 80
	AlertMissingExtension       Alert = 109
	AlertUnsupportedExtension   Alert = 110
	AlertUnrecognizedName       Alert = 112
	AlertBadCertificateStatusResponse Alert = 113
	AlertUnknownPSKIdentity      Alert = 115
	AlertCertificateRequired     Alert = 116
	AlertNoApplicationProtocol   Alert = 120
)

var alertNames = map[Alert]string{
	AlertCloseNotify:                  "close_notify",
	AlertUnexpectedMessage:            "unexpected_message",
	AlertBadRecordMac:                 "bad_record_mac",
	AlertRecordOverflow:               "record_overflow",
	AlertHandshakeFailure:             "handshake_failure",
	AlertBadCertificate:               "bad_certificate",
	AlertUnsupportedCertificate:       "unsupported_certificate",
	AlertCertificateRevoked:           "certificate_revoked",
	AlertCertificateExpired:           "certificate_expired",
	AlertCertificateUnknown:           "certificate_unknown",
	AlertIllegalParameter:             "illegal_parameter",
	AlertUnknownCA:                    "unknown_ca",
	AlertAccessDenied:                 "access_denied",
	AlertDecodeError:                  "decode_error",
	AlertDecryptError:                 "decrypt_error",
	AlertProtocolVersion:              "protocol_version",
	AlertInsufficientSecurity:         "insufficient_security",
	AlertInternalError:                "internal_error",
	AlertMissingExtension:             "missing_extension",
	AlertUnsupportedExtension:         "unsupported_extension",
	AlertUnrecognizedName:             "unrecognized_name",
	AlertBadCertificateStatusResponse: "bad_certificate_status_response",
	AlertUnknownPSKIdentity:           "unknown_psk_identity",
	AlertCertificateRequired:          "certificate_required",
	AlertNoApplicationProtocol:        "no_application_protocol",
}

func (a Alert) Error() string {
	if name, ok := alertNames[a]; ok {
		return fmt.Sprintf("tls13: alert %s", name)
	}
	return fmt.Sprintf("tls13: alert %d", uint8(a))
}

// nonFatalAlerts are the alerts spec.md §7 classifies as non-fatal: the
// session survives, only the in-flight operation fails. Everything else
// an Alert transition returns is fatal (invalidates the session).
var nonFatalAlerts = map[Alert]bool{
	AlertUnknownPSKIdentity:    true,
	AlertNoApplicationProtocol: true,
}

// Fatal reports whether receiving or generating this alert must tear
// down the session (spec.md §7's fatal/non-fatal partition). AlertNoAlert
// is never fatal.
func (a Alert) Fatal() bool {
	if a == AlertNoAlert {
		return false
	}
	return !nonFatalAlerts[a]
}

// AlertLevel is the record-layer severity byte that precedes an Alert
// on the wire (RFC 8446 §6): warning alerts let the session continue,
// fatal alerts require the connection to close.
type AlertLevel uint8

const (
	AlertLevelWarning AlertLevel = 1
	AlertLevelError   AlertLevel = 2
)

// AlertNoRenegotiation has no meaning in TLS 1.3 (renegotiation doesn't
// exist, per spec.md's Non-goals) but legacy peers still probe for it;
// conn.go keeps the constant so it can reply instead of erroring.
const AlertNoRenegotiation Alert = 100

// WouldBlock is returned by FrameReader.Process when progress requires
// bytes that have not arrived yet; HandshakeLayer.ReadMessage handles it
// by reading another record. It is not an Alert: it never tears down the session,
// and re-entering the state machine with the same input (plus whatever
// new bytes arrived) must be idempotent (spec.md §8).
var WouldBlock = fmt.Errorf("tls13: would block")

// HandshakeError wraps an Alert with caller-facing context, satisfying
// spec.md §7's "application-visible error kind" without losing which
// Alert value to send on the wire.
type HandshakeError struct {
	Alert Alert
	Wrapped error
}

func (e *HandshakeError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Alert.Error(), e.Wrapped)
	}
	return e.Alert.Error()
}

func (e *HandshakeError) Unwrap() error { return e.Wrapped }

func (e *HandshakeError) Fatal() bool { return e.Alert.Fatal() }
