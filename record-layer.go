package tls13

import (
	"bytes"
	"crypto/cipher"
	"fmt"
	"io"
	"sync"
)

const (
	sequenceNumberLen = 8       // sequence number length
	recordHeaderLen   = 5       // record header length
	maxFragmentLen    = 1 << 14 // max number of bytes in a record
)

// allowWrongVersionNumber tolerates the record-layer version field some
// middleboxes and older peers send incorrectly. TLS 1.3 fixes this field
// at {3,1} on the wire regardless of negotiated version (RFC 8446 §5.1);
// this only relaxes the read-side check, never what is written.
var allowWrongVersionNumber = false

// DecryptError distinguishes AEAD authentication failure from a
// malformed record, since spec.md's early-data handling (ReadPastEarlyData)
// specifically scans past decrypt failures rather than treating them as
// fatal.
type DecryptError string

func (err DecryptError) Error() string { return string(err) }

// struct {
//     ContentType type;
//     ProtocolVersion record_version = { 3, 1 };
//     uint16 length;
//     opaque fragment[TLSPlaintext.length];
// } TLSPlaintext;
type TLSPlaintext struct {
	contentType RecordType
	fragment    []byte
}

// RecordLayer is the record-layer seam spec.md §6 calls out as needing a
// Transport collaborator underneath and an AEAD above: the actual framing
// and AEAD call sites this library is allowed to own, with the AEAD
// algorithm itself left to primitives.go's aeadFactory.
type RecordLayer struct {
	sync.Mutex

	conn         io.ReadWriter
	nextData     []byte
	cachedRecord *TLSPlaintext
	cachedError  error

	ivLength int
	seq      []byte
	nonce    []byte
	cipher   cipher.AEAD
}

func NewRecordLayer(conn io.ReadWriter) *RecordLayer {
	return &RecordLayer{conn: conn}
}

// Rekey installs a new one-directional key, the "key installation point"
// action spec.md §4.8 describes.
func (r *RecordLayer) Rekey(cipherFactory aeadFactory, key []byte, iv []byte) error {
	c, err := cipherFactory(key)
	if err != nil {
		return err
	}
	r.cipher = c
	r.ivLength = len(iv)
	r.seq = bytes.Repeat([]byte{0}, r.ivLength)
	r.nonce = make([]byte, r.ivLength)
	copy(r.nonce, iv)
	return nil
}

func (r *RecordLayer) incrementSequenceNumber() {
	if r.ivLength == 0 {
		return
	}
	for i := r.ivLength - 1; i > r.ivLength-sequenceNumberLen; i-- {
		r.seq[i]++
		r.nonce[i] ^= (r.seq[i] - 1) ^ r.seq[i]
		if r.seq[i] != 0 {
			return
		}
	}
	panic("tls13: record sequence number wraparound")
}

func (r *RecordLayer) encrypt(pt *TLSPlaintext, padLen int) *TLSPlaintext {
	originalLen := len(pt.fragment)
	plaintextLen := originalLen + 1 + padLen
	ciphertextLen := plaintextLen + r.cipher.Overhead()

	out := &TLSPlaintext{
		contentType: RecordTypeApplicationData,
		fragment:    make([]byte, ciphertextLen),
	}
	copy(out.fragment, pt.fragment)
	out.fragment[originalLen] = byte(pt.contentType)
	for i := 1; i <= padLen; i++ {
		out.fragment[originalLen+i] = 0
	}

	payload := out.fragment[:plaintextLen]
	r.cipher.Seal(payload[:0], r.nonce, payload, nil)
	return out
}

func (r *RecordLayer) decrypt(pt *TLSPlaintext) (*TLSPlaintext, int, error) {
	if len(pt.fragment) < r.cipher.Overhead() {
		return nil, 0, DecryptError(fmt.Sprintf("tls13: record too short [%d] < [%d]", len(pt.fragment), r.cipher.Overhead()))
	}

	decryptLen := len(pt.fragment) - r.cipher.Overhead()
	out := &TLSPlaintext{contentType: pt.contentType, fragment: make([]byte, decryptLen)}

	if _, err := r.cipher.Open(out.fragment[:0], r.nonce, pt.fragment, nil); err != nil {
		return nil, 0, DecryptError("tls13: AEAD decrypt failed")
	}

	padLen := 0
	for padLen < decryptLen+1 && out.fragment[decryptLen-padLen-1] == 0 {
		padLen++
	}

	newLen := decryptLen - padLen - 1
	out.contentType = RecordType(out.fragment[newLen])
	out.fragment = out.fragment[:newLen]
	return out, padLen, nil
}

func (r *RecordLayer) readFullBuffer(data []byte) error {
	buffer := make([]byte, cap(data)+recordHeaderLen)

	copy(buffer, r.nextData)
	index := len(r.nextData)

	for {
		m, err := r.conn.Read(buffer[index:])
		if m+index >= cap(data) {
			copy(data[:cap(data)], buffer)
			r.nextData = buffer[cap(data) : m+index]
			return nil
		}
		if err != nil {
			return err
		}
		index += m
	}
}

func (r *RecordLayer) PeekRecordType() (RecordType, error) {
	pt, err := r.nextRecord()
	if err != nil {
		return RecordType(0), err
	}
	return pt.contentType, nil
}

func (r *RecordLayer) ReadRecord() (*TLSPlaintext, error) {
	pt, err := r.nextRecord()
	r.cachedRecord = nil
	r.cachedError = nil
	return pt, err
}

func (r *RecordLayer) nextRecord() (*TLSPlaintext, error) {
	if r.cachedRecord != nil {
		return r.cachedRecord, r.cachedError
	}

	pt := &TLSPlaintext{}
	header := make([]byte, recordHeaderLen)
	if err := r.readFullBuffer(header); err != nil {
		return nil, err
	}

	switch RecordType(header[0]) {
	case RecordTypeAlert, RecordTypeHandshake, RecordTypeApplicationData, RecordTypeChangeCipherSpec:
		pt.contentType = RecordType(header[0])
	default:
		return nil, fmt.Errorf("tls13: unknown content type %02x", header[0])
	}

	if !allowWrongVersionNumber && (header[1] != 0x03 || header[2] != 0x01) {
		return nil, fmt.Errorf("tls13: invalid record version %02x%02x", header[1], header[2])
	}

	size := int(header[3])<<8 + int(header[4])
	if size > maxFragmentLen+256 {
		return nil, fmt.Errorf("tls13: ciphertext size too big")
	}

	pt.fragment = make([]byte, size)
	if err := r.readFullBuffer(pt.fragment[:0]); err != nil {
		return nil, err
	}

	if r.cipher != nil {
		var err error
		pt, _, err = r.decrypt(pt)
		if err != nil {
			return nil, err
		}
	}

	if len(pt.fragment) > maxFragmentLen {
		return nil, fmt.Errorf("tls13: plaintext size too big")
	}

	logf(logTypeIO, "RecordLayer.ReadRecord [%d] [%x]", pt.contentType, pt.fragment)

	r.cachedRecord = pt
	r.incrementSequenceNumber()
	return pt, nil
}

func (r *RecordLayer) WriteRecord(pt *TLSPlaintext) error {
	return r.WriteRecordWithPadding(pt, 0)
}

func (r *RecordLayer) WriteRecordWithPadding(pt *TLSPlaintext, padLen int) error {
	if r.cipher != nil {
		pt = r.encrypt(pt, padLen)
	} else if padLen > 0 {
		return fmt.Errorf("tls13: padding only valid on encrypted records")
	}

	if len(pt.fragment) > maxFragmentLen {
		return fmt.Errorf("tls13: record size too big")
	}

	length := len(pt.fragment)
	header := []byte{byte(pt.contentType), 0x03, 0x01, byte(length >> 8), byte(length)}
	record := append(header, pt.fragment...)

	logf(logTypeIO, "RecordLayer.WriteRecord [%d] [%x]", pt.contentType, pt.fragment)

	r.incrementSequenceNumber()
	for len(record) > 0 {
		n, err := r.conn.Write(record)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		record = record[n:]
	}
	return nil
}
