package tls13

import "fmt"

const handshakeHeaderLen = 4

// handshakeFraming adapts HandshakeMessage's 4-byte header to the
// generic FrameReader (frame-reader.go).
type handshakeFraming struct{}

func (handshakeFraming) headerLen() int      { return handshakeHeaderLen }
func (handshakeFraming) defaultReadLen() int { return 1 << 14 }

func (handshakeFraming) frameLen(hdr []byte) (int, error) {
	if len(hdr) != handshakeHeaderLen {
		return 0, fmt.Errorf("tls13: handshake header wrong size")
	}
	return int(hdr[1])<<16 | int(hdr[2])<<8 | int(hdr[3]), nil
}

// HandshakeLayer assembles whole HandshakeMessage values out of the
// TLSPlaintext records RecordLayer hands it, through a re-entrant
// FrameReader: when a message spans records that have not all arrived
// yet, ReadMessage consumes the FrameReader's WouldBlock itself and reads
// another record rather than returning it.
type HandshakeLayer struct {
	records *RecordLayer
	reader  *FrameReader
}

func NewHandshakeLayer(records *RecordLayer) *HandshakeLayer {
	return &HandshakeLayer{records: records, reader: NewFrameReader(handshakeFraming{})}
}

// ReadMessage blocks (via the underlying RecordLayer's blocking Read)
// until a complete HandshakeMessage is available. Conn is the only
// caller; the state machine itself never reads directly.
func (h *HandshakeLayer) ReadMessage() (*HandshakeMessage, error) {
	for {
		hdr, body, err := h.reader.Process()
		if err == nil {
			return &HandshakeMessage{msgType: HandshakeType(hdr[0]), body: body}, nil
		}
		if err != WouldBlock {
			return nil, err
		}

		pt, err := h.records.ReadRecord()
		if err != nil {
			return nil, err
		}
		if pt.contentType == RecordTypeChangeCipherSpec {
			// RFC 8446 Appendix D.4: ignored unconditionally, even mid-handshake.
			continue
		}
		if pt.contentType != RecordTypeHandshake {
			return nil, fmt.Errorf("tls13: unexpected record type %d while reading handshake", pt.contentType)
		}
		h.reader.AddChunk(pt.fragment)
	}
}

// WriteMessage serializes m and writes it as a single handshake record;
// a message too large for one record is rejected by WriteRecord.
func (h *HandshakeLayer) WriteMessage(m *HandshakeMessage) error {
	return h.records.WriteRecord(&TLSPlaintext{
		contentType: RecordTypeHandshake,
		fragment:    m.Marshal(),
	})
}
