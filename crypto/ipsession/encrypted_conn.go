package ipsession

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"hapkit"
	"hapkit/crypto/cryptoutil"

	"github.com/golang/glog"
)

const (
	frameLengthBytes     = 2
	framePayloadMaxBytes = 1024
	frameTagBytes        = 16
	frameMaxBytes        = frameLengthBytes + framePayloadMaxBytes + frameTagBytes

	nonceBytes      = 12
	nonceFixedBytes = 4
)

// EncryptedConn is an established encrypted HAP session over c. Each
// direction keeps its own 64-bit frame counter, used as the AEAD nonce, that
// starts at zero when the conn is created.
type EncryptedConn struct {
	net.Conn
	w frameWriter
	r frameReader
}

// NewEncryptedConn returns the accessory side of an encrypted session.
func NewEncryptedConn(c net.Conn, sharedSecret []byte) *EncryptedConn {
	return newEncryptedConn(c, sharedSecret, cryptoutil.ControlWrite, cryptoutil.ControlRead)
}

// NewControllerConn returns the controller side of an encrypted session,
// whose keys mirror NewEncryptedConn.
func NewControllerConn(c net.Conn, sharedSecret []byte) *EncryptedConn {
	return newEncryptedConn(c, sharedSecret, cryptoutil.ControlRead, cryptoutil.ControlWrite)
}

func newEncryptedConn(c net.Conn, sharedSecret []byte, send, recv cryptoutil.KDF) *EncryptedConn {
	ec := &EncryptedConn{
		Conn: c,
		w:    frameWriter{w: c},
		r:    frameReader{r: c},
	}
	ec.w.aead = send.AEAD(sharedSecret)
	ec.r.aead = recv.AEAD(sharedSecret)
	return ec
}

func (c *EncryptedConn) Read(b []byte) (n int, err error) {
	return c.r.Read(b)
}

func (c *EncryptedConn) Write(b []byte) (n int, err error) {
	return c.w.Write(b)
}

// Counters returns the number of frames sent and received so far.
func (c *EncryptedConn) Counters() (send, recv uint64) {
	return c.w.counter(), c.r.counter()
}

// frameWriter is a frame-based writer.
type frameWriter struct {
	w    io.Writer
	aead cipher.AEAD

	mu  sync.Mutex
	seq [nonceBytes]byte
}

func (fw *frameWriter) counter() uint64 {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return binary.LittleEndian.Uint64(fw.seq[nonceFixedBytes:])
}

func (fw *frameWriter) Write(p []byte) (int, error) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	written := 0
	for len(p) > 0 {
		l := len(p)
		if l > framePayloadMaxBytes {
			l = framePayloadMaxBytes
		}
		if err := fw.writeFrame(p[:l]); err != nil {
			return written, err
		}
		written += l
		p = p[l:]
	}
	return written, nil
}

func (fw *frameWriter) writeFrame(cleartext []byte) error {
	var frame [frameMaxBytes]byte
	aad := frame[:frameLengthBytes]
	binary.LittleEndian.PutUint16(aad, uint16(len(cleartext)))
	ciphertext := fw.aead.Seal(frame[frameLengthBytes:][:0], fw.seq[:], cleartext, aad)
	incr(&fw.seq)
	_, err := fw.w.Write(frame[:frameLengthBytes+len(ciphertext)])
	return err
}

// frameReader is a frame-based reader. Once a frame fails to authenticate the
// reader is poisoned: the counters can no longer be trusted to line up.
type frameReader struct {
	r    io.Reader
	aead cipher.AEAD

	mu  sync.Mutex
	seq [nonceBytes]byte
	buf []byte
	err error
}

func (fr *frameReader) counter() uint64 {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	return binary.LittleEndian.Uint64(fr.seq[nonceFixedBytes:])
}

func (fr *frameReader) Read(b []byte) (n int, err error) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	if fr.err != nil {
		return 0, fr.err
	}
	if fr.buf == nil {
		frame, err := fr.readFrame()
		if err != nil {
			return 0, err
		}
		glog.V(2).Infof("ipsession: read frame of %d bytes", len(frame))
		fr.buf = frame
	}
	n = copy(b, fr.buf)
	fr.buf = fr.buf[n:]
	if len(fr.buf) == 0 {
		fr.buf = nil
	}
	return n, nil
}

func (fr *frameReader) readFrame() ([]byte, error) {
	var frame [frameMaxBytes]byte
	aad := frame[:frameLengthBytes]
	if _, err := io.ReadFull(fr.r, aad); err != nil {
		return nil, err
	}
	l := binary.LittleEndian.Uint16(aad)
	if l > framePayloadMaxBytes {
		fr.err = fmt.Errorf("ipsession: frame payload too large: %d: %w", l, hapkit.ErrSessionIntegrity)
		return nil, fr.err
	}
	ciphertext := frame[frameLengthBytes:][:int(l)+frameTagBytes]
	if _, err := io.ReadFull(fr.r, ciphertext); err != nil {
		return nil, err
	}
	cleartext, err := fr.aead.Open(ciphertext[:0], fr.seq[:], ciphertext, aad)
	if err != nil {
		fr.err = fmt.Errorf("ipsession: frame %d: %v: %w", binary.LittleEndian.Uint64(fr.seq[nonceFixedBytes:]), err, hapkit.ErrSessionIntegrity)
		return nil, fr.err
	}
	incr(&fr.seq)
	return cleartext, nil
}

func incr(seq *[nonceBytes]byte) {
	binary.LittleEndian.PutUint64(seq[nonceFixedBytes:],
		binary.LittleEndian.Uint64(seq[nonceFixedBytes:])+1)
}
