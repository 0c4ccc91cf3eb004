// Package-internal generic "framed" packet reader: a header plus a
// length-derived body. HandshakeLayer uses it for TLS handshake messages;
// RecordLayer reads its record headers directly and does not use it.
package tls13

type framing interface {
	headerLen() int
	defaultReadLen() int
	frameLen(hdr []byte) (int, error)
}

const (
	kFrameReaderHdr  = 0
	kFrameReaderBody = 1
)

// FrameReader is the re-entrant byte assembler spec.md §5 requires:
// AddChunk never blocks, and Process returns WouldBlock rather than
// erroring when fewer bytes have arrived than the current frame needs,
// so callers can feed it opportunistically as Transport delivers bytes.
type FrameReader struct {
	details     framing
	state       uint8
	header      []byte
	body        []byte
	working     []byte
	writeOffset int
	remainder   []byte
}

func NewFrameReader(d framing) *FrameReader {
	hdr := make([]byte, d.headerLen())
	return &FrameReader{
		details: d,
		state:   kFrameReaderHdr,
		header:  hdr,
		working: hdr,
	}
}

func dup(a []byte) []byte {
	r := make([]byte, len(a))
	copy(r, a)
	return r
}

func (f *FrameReader) needed() int {
	tmp := (len(f.working) - f.writeOffset) - len(f.remainder)
	if tmp < 0 {
		return 0
	}
	return tmp
}

// AddChunk appends newly-arrived bytes to the pending buffer.
func (f *FrameReader) AddChunk(in []byte) {
	logf(logTypeFrameReader, "appending %v bytes", len(in))
	f.remainder = append(f.remainder, in...)
}

// Process advances as far as the buffered bytes allow, returning a
// complete (header, body) pair, or WouldBlock if not enough bytes have
// arrived yet.
func (f *FrameReader) Process() (hdr []byte, body []byte, err error) {
	for f.needed() == 0 {
		copied := copy(f.working[f.writeOffset:], f.remainder)
		f.remainder = f.remainder[copied:]
		f.writeOffset += copied
		if f.writeOffset < len(f.working) {
			return nil, nil, WouldBlock
		}
		f.writeOffset = 0

		if f.state == kFrameReaderBody {
			logf(logTypeFrameReader, "returning frame hdr=%v len=%d buffered=%d", f.header, len(f.body), len(f.remainder))
			f.state = kFrameReaderHdr
			f.working = f.header
			return dup(f.header), dup(f.body), nil
		}

		bodyLen, err := f.details.frameLen(f.header)
		if err != nil {
			return nil, nil, err
		}
		logf(logTypeFrameReader, "processed header, body len = %v", bodyLen)

		f.body = make([]byte, bodyLen)
		f.working = f.body
		f.writeOffset = 0
		f.state = kFrameReaderBody
	}

	return nil, nil, WouldBlock
}
