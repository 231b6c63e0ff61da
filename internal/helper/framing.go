package helper

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single frame. The native messaging contract caps
// host-to-browser messages at 1MB; helper frames are far smaller, so a
// larger ceiling here only guards against corrupt length prefixes.
const maxFrameSize = 16 * 1024 * 1024

// frameReader decodes length-prefixed JSON frames: an unsigned 32-bit
// little-endian byte length followed by a UTF-8 JSON payload.
type frameReader struct {
	r io.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: r}
}

// Read returns the next frame payload.
func (fr *frameReader) Read() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds limit %d", length, maxFrameSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// Decode reads the next frame and unmarshals it into v.
func (fr *frameReader) Decode(v any) error {
	payload, err := fr.Read()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}

// frameWriter encodes length-prefixed JSON frames. Writes are serialized so
// concurrent requests cannot interleave header and payload bytes.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter {
	return &frameWriter{w: w}
}

// Encode marshals v and writes it as a single frame.
func (fw *frameWriter) Encode(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("frame length %d exceeds limit %d", len(payload), maxFrameSize)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}
