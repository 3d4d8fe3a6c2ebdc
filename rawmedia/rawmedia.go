// rawmedia.go implements the framing used on raw media pipes.

// Package rawmedia encodes and decodes the framed raw video/PCM stream
// exchanged with raw sinks and multiplexed raw inputs.
package rawmedia

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const Version = 1

// MaxPayload bounds a single framed payload when decoding.
const MaxPayload = 64 << 20

type MessageType int32

const (
	MessageTypeRawVideo = MessageType(0)
	MessageTypeVideo    = MessageType(1)
	MessageTypeAudio    = MessageType(2)
	MessageTypeExtAudio = MessageType(11)
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeRawVideo:
		return "RAWVIDEO"
	case MessageTypeVideo:
		return "VIDEO"
	case MessageTypeAudio:
		return "AUDIO"
	case MessageTypeExtAudio:
		return "EXT_AUDIO"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

type Header struct {
	Version int32
	Type    MessageType
	Length  int32
}

// Message is one decoded frame; ImageIndex is set for VIDEO,
// AudioIndex and ProductID for EXT_AUDIO.
type Message struct {
	Type       MessageType
	ImageIndex int32
	AudioIndex int32
	ProductID  int32
	Payload    []byte
}

var ErrBadHeader = errors.New("bad raw media header")

type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) writeHeader(t MessageType, length int, ext ...int32) error {
	words := append([]int32{Version, int32(t), int32(length)}, ext...)
	if err := binary.Write(w.w, binary.LittleEndian, words); err != nil {
		return fmt.Errorf("unable to write the %s header: %w", t, err)
	}
	return nil
}

func (w *Writer) writePayload(t MessageType, payload []byte) error {
	if _, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("unable to write the %s payload of %d bytes: %w", t, len(payload), err)
	}
	return nil
}

// WriteRawVideo writes a picture without any header.
func (w *Writer) WriteRawVideo(payload []byte) error {
	return w.writePayload(MessageTypeRawVideo, payload)
}

func (w *Writer) WriteVideo(imageIndex int32, payload []byte) error {
	if err := w.writeHeader(MessageTypeVideo, len(payload), imageIndex); err != nil {
		return err
	}
	return w.writePayload(MessageTypeVideo, payload)
}

func (w *Writer) WriteAudio(payload []byte) error {
	if err := w.writeHeader(MessageTypeAudio, len(payload)); err != nil {
		return err
	}
	return w.writePayload(MessageTypeAudio, payload)
}

func (w *Writer) WriteExtAudio(audioIndex, productID int32, payload []byte) error {
	if err := w.writeHeader(MessageTypeExtAudio, len(payload), audioIndex, productID); err != nil {
		return err
	}
	return w.writePayload(MessageTypeExtAudio, payload)
}

type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<20)}
}

// ReadMessage reads one framed message. A clean end of input before a
// header is reported as io.EOF; a truncated message as io.ErrUnexpectedEOF.
func (r *Reader) ReadMessage() (*Message, error) {
	var hdr Header
	if err := binary.Read(r.r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadHeader, hdr.Version)
	}
	if hdr.Length < 0 || hdr.Length > MaxPayload {
		return nil, fmt.Errorf("%w: length %d", ErrBadHeader, hdr.Length)
	}
	msg := &Message{Type: hdr.Type}
	switch hdr.Type {
	case MessageTypeVideo:
		if err := binary.Read(r.r, binary.LittleEndian, &msg.ImageIndex); err != nil {
			return nil, unexpectedEOF(err)
		}
	case MessageTypeAudio:
	case MessageTypeExtAudio:
		var ext [2]int32
		if err := binary.Read(r.r, binary.LittleEndian, &ext); err != nil {
			return nil, unexpectedEOF(err)
		}
		msg.AudioIndex, msg.ProductID = ext[0], ext[1]
	default:
		return nil, fmt.Errorf("%w: type %s", ErrBadHeader, hdr.Type)
	}
	msg.Payload = make([]byte, hdr.Length)
	if _, err := io.ReadFull(r.r, msg.Payload); err != nil {
		return nil, unexpectedEOF(err)
	}
	return msg, nil
}

// ReadRawVideo reads one header-less picture of the given size.
func (r *Reader) ReadRawVideo(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
