package control

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	// Version1 headers carry no extension.
	Version1 = int32(1)

	// Version2 headers are followed by an int32 product id that overrides
	// the product id of ADD, DEL and MOD bodies.
	Version2 = int32(2)

	HeaderSize  = 12
	MaxBodySize = 10240
)

type OpCode int32

const (
	OpCodeAdd           = OpCode(12)
	OpCodeDel           = OpCode(13)
	OpCodeMod           = OpCode(14)
	OpCodeSubOut        = OpCode(15)
	OpCodeStopSub       = OpCode(16)
	OpCodeSwitchProduct = OpCode(17)
)

var opCodes = map[OpCode]Op{
	OpCodeAdd:           OpAdd,
	OpCodeDel:           OpDel,
	OpCodeMod:           OpMod,
	OpCodeSubOut:        OpSubOut,
	OpCodeStopSub:       OpStopSub,
	OpCodeSwitchProduct: OpSwitchProduct,
}

func (c OpCode) Op() (Op, bool) {
	op, ok := opCodes[c]
	return op, ok
}

func OpCodeOf(op Op) OpCode {
	for code, candidate := range opCodes {
		if candidate == op {
			return code
		}
	}
	return 0
}

type Header struct {
	Version int32
	OpCode  OpCode
	Length  int32
}

// ErrBadHeader means the stream lost its framing and has to be reopened.
var ErrBadHeader = errors.New("bad command header")

type Decoder struct {
	r io.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads one command. Errors wrapping ErrMalformed leave the stream
// in sync; ErrBadHeader and I/O errors do not.
func (d *Decoder) Decode() (Command, error) {
	var hdr Header
	if err := binary.Read(d.r, binary.LittleEndian, &hdr); err != nil {
		return Command{}, err
	}
	if hdr.Version != Version1 && hdr.Version != Version2 {
		return Command{}, fmt.Errorf("%w: version %d", ErrBadHeader, hdr.Version)
	}
	op, ok := hdr.OpCode.Op()
	if !ok {
		return Command{}, fmt.Errorf("%w: op code %d", ErrBadHeader, hdr.OpCode)
	}
	if hdr.Length < 0 || hdr.Length > MaxBodySize || (hdr.Length == 0 && op != OpStopSub) {
		return Command{}, fmt.Errorf("%w: body length %d", ErrBadHeader, hdr.Length)
	}

	var productExt int32
	if hdr.Version == Version2 {
		if err := binary.Read(d.r, binary.LittleEndian, &productExt); err != nil {
			return Command{}, unexpectedEOF(err)
		}
	}
	body := make([]byte, hdr.Length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Command{}, unexpectedEOF(err)
	}

	cmd, err := ParseBody(op, string(body))
	if err != nil {
		return Command{}, err
	}
	if hdr.Version == Version2 && op.TargetsMaterial() {
		cmd.ProductID = int(productExt)
	}
	return cmd, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// FormatBody is the inverse of ParseBody.
func FormatBody(cmd Command) string {
	itoa := strconv.Itoa
	switch cmd.Op {
	case OpAdd:
		return itoa(cmd.ProductID) + ":" + itoa(cmd.MaterialID) + ":" + cmd.Payload
	case OpDel:
		return itoa(cmd.ProductID) + ":" + itoa(cmd.MaterialID)
	case OpMod:
		return fmt.Sprintf("%d:%d:%d:%d:%d:%d:%d", cmd.ProductID, cmd.MaterialID, cmd.Layer,
			cmd.Rect.Y, cmd.Rect.X, cmd.Rect.Width, cmd.Rect.Height)
	case OpSubOut:
		return cmd.Payload
	case OpSwitchProduct:
		return itoa(cmd.ProductID)
	default:
		return ""
	}
}

type Encoder struct {
	w       io.Writer
	version int32
}

func NewEncoder(w io.Writer, version int32) *Encoder {
	return &Encoder{w: w, version: version}
}

func (e *Encoder) Encode(cmd Command) error {
	code := OpCodeOf(cmd.Op)
	if code == 0 {
		return fmt.Errorf("%w: unknown operation %s", ErrMalformed, cmd.Op)
	}
	body := FormatBody(cmd)
	if len(body) > MaxBodySize {
		return fmt.Errorf("%w: body of %d bytes exceeds %d", ErrMalformed, len(body), MaxBodySize)
	}
	words := []int32{e.version, int32(code), int32(len(body))}
	if e.version == Version2 {
		words = append(words, int32(cmd.ProductID))
	}
	buf := make([]byte, 0, len(words)*4+len(body))
	for _, w := range words {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(w))
	}
	buf = append(buf, body...)
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("unable to write %s: %w", cmd, err)
	}
	return nil
}
