package protocol

import (
	"errors"
	"io"
)

// defaultChunk is how much the Reader asks the underlying stream for at a time.
const defaultChunk = 4096

// Reader decodes frames incrementally from a byte stream. Bytes read past
// the end of one frame are kept for the next call. After a DecodeError the
// Reader must be discarded along with the stream.
type Reader struct {
	r     io.Reader
	chunk int
	buf   []byte
	err   error
}

// NewReader creates a frame reader over r for a stream that carries only
// frames, such as a UDP association.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: defaultChunk}
}

// NewExactReader creates a frame reader that never reads past the end of a
// frame. Handshakes use it because the bytes after the response belong to
// the relayed connection.
func NewExactReader(r io.Reader) *Reader {
	return &Reader{r: r, chunk: 1}
}

// ReadRequest reads one ConnectRequest.
func (fr *Reader) ReadRequest() (*ConnectRequest, error) {
	var req *ConnectRequest
	err := fr.next(func(b []byte) (int, error) {
		var n int
		var err error
		req, n, err = DecodeRequest(b)
		return n, err
	})
	return req, err
}

// ReadResponse reads one ConnectResponse.
func (fr *Reader) ReadResponse() (*ConnectResponse, error) {
	var resp *ConnectResponse
	err := fr.next(func(b []byte) (int, error) {
		var n int
		var err error
		resp, n, err = DecodeResponse(b)
		return n, err
	})
	return resp, err
}

// ReadUDPDatagram reads one datagram frame. The payload is copied so it
// stays valid after later reads.
func (fr *Reader) ReadUDPDatagram() (*UDPDatagram, error) {
	var d *UDPDatagram
	err := fr.next(func(b []byte) (int, error) {
		var n int
		var err error
		d, n, err = DecodeUDPDatagram(b)
		if err == nil {
			d.Payload = append([]byte(nil), d.Payload...)
		}
		return n, err
	})
	return d, err
}

// next runs decode against the buffer, reading more from the stream while
// decode reports ErrNeedMoreData. A clean EOF between frames is io.EOF; an
// EOF inside a frame is io.ErrUnexpectedEOF.
func (fr *Reader) next(decode func([]byte) (int, error)) error {
	if fr.err != nil {
		return fr.err
	}
	for {
		if len(fr.buf) > 0 {
			n, err := decode(fr.buf)
			if err == nil {
				fr.buf = fr.buf[n:]
				if len(fr.buf) == 0 {
					fr.buf = nil
				}
				return nil
			}
			if !errors.Is(err, ErrNeedMoreData) {
				fr.err = err
				return err
			}
		}

		chunk := make([]byte, fr.chunk)
		n, err := fr.r.Read(chunk)
		fr.buf = append(fr.buf, chunk[:n]...)
		if err != nil {
			if n > 0 {
				// Decode what arrived before surfacing the error.
				if derr := fr.tryOnce(decode); derr != ErrNeedMoreData {
					return derr
				}
			}
			if errors.Is(err, io.EOF) {
				if len(fr.buf) > 0 {
					err = io.ErrUnexpectedEOF
				}
			}
			fr.err = err
			return err
		}
	}
}

func (fr *Reader) tryOnce(decode func([]byte) (int, error)) error {
	n, err := decode(fr.buf)
	switch {
	case err == nil:
		fr.buf = fr.buf[n:]
		return nil
	case errors.Is(err, ErrNeedMoreData):
		return ErrNeedMoreData
	default:
		fr.err = err
		return err
	}
}
