package wire

import (
	"encoding/binary"
	"io"
)

const frameHeaderSize = 4

// WriteFrame writes b preceded by its length.
func WriteFrame(w io.Writer, b []byte) error {
	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(b)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed frame. A frame longer than max fails
// with a Malformed DecodeError before its body is read; the stream cannot be
// resynchronized after that. I/O errors are returned as is.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if max > 0 && uint64(n) > uint64(max) {
		return nil, &DecodeError{Kind: Malformed, Err: ErrFrameTooLarge}
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteMessage encodes msg and writes it as one frame.
func WriteMessage(w io.Writer, msg Message) error {
	b, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadMessage reads and decodes one frame.
func ReadMessage(r io.Reader, max int) (*Envelope, error) {
	b, err := ReadFrame(r, max)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}
