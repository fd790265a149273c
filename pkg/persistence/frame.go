package persistence

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
)

// Constants for the binary frame protocol shared by the bronze log and the
// checkpoint files.
const (
	// MagicByte marks the start of a valid frame. It lets a reader detect
	// that it lost synchronization with the stream.
	MagicByte = 0xA5

	// HeaderSize is the fixed frame metadata:
	// 1 byte (Magic) + 1 byte (OpCode) + 4 bytes (Length) + 4 bytes (CRC32) = 10 bytes.
	HeaderSize = 10
)

// OpCode tags the payload kind of a frame.
type OpCode byte

const (
	// OpBatch is a committed ingestion batch (JSON).
	OpBatch OpCode = 0x01
	// OpHeader is a checkpoint header (JSON).
	OpHeader OpCode = 0x02
	// OpTensor is a named parameter tensor.
	OpTensor OpCode = 0x03
)

var (
	// ErrInvalidMagic indicates the stream lost synchronization or is not a frame file.
	ErrInvalidMagic = errors.New("invalid magic byte")
	// ErrChecksumMismatch indicates corruption within the frame payload.
	ErrChecksumMismatch = errors.New("crc32 checksum mismatch")
	// ErrIncompleteFrame indicates the file ended abruptly (e.g. power loss during write).
	ErrIncompleteFrame = errors.New("incomplete frame")
)

// Frame is one decoded record.
type Frame struct {
	Op      OpCode
	Payload []byte
}

// FrameWriter writes binary frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w. A bufio.Writer underneath turns the header and
// payload writes into a single syscall.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame encodes the payload as [Magic(1)][OpCode(1)][Length(4)][CRC(4)][Payload(N)].
func (fw *FrameWriter) WriteFrame(op OpCode, payload []byte) error {
	header := make([]byte, HeaderSize)
	header[0] = MagicByte
	header[1] = byte(op)
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[6:10], crc32.ChecksumIEEE(payload))

	if _, err := fw.w.Write(header); err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	return nil
}

// ReadFrame reads and validates the next frame.
// It returns the frame, the total bytes consumed, and an error. io.EOF is
// returned only when the stream ends exactly on a frame boundary.
func ReadFrame(r io.Reader) (Frame, int, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Frame{}, 0, io.EOF
		}
		return Frame{}, 0, ErrIncompleteFrame
	}

	if header[0] != MagicByte {
		return Frame{}, HeaderSize, ErrInvalidMagic
	}

	length := binary.LittleEndian.Uint32(header[2:6])
	expectedCRC := binary.LittleEndian.Uint32(header[6:10])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, HeaderSize, ErrIncompleteFrame
	}

	if crc32.ChecksumIEEE(payload) != expectedCRC {
		return Frame{}, HeaderSize + int(length), ErrChecksumMismatch
	}

	return Frame{Op: OpCode(header[1]), Payload: payload}, HeaderSize + int(length), nil
}
