package plan

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Wire layout, little endian:
//
//	magic "EBPL" | version u16 | flags u8 | platform str | signature str
//	| inputs u16 {name str, rank u8, min i64*rank, max i64*rank}
//	| layers u16 {op str, operands u8 {str}, output str, axis i32, scalar f32}
//	| outputs u16 {str} | crc32 u32 of everything before it
//
// str is a u16 length followed by UTF-8 bytes.
var magic = []byte("EBPL")

// FormatVersion is the only plan version this build loads.
const FormatVersion uint16 = 1

const flagHardwareCompatible uint8 = 1 << 0

// compiled is a decoded plan.
type compiled struct {
	version            uint16
	hardwareCompatible bool
	platform           string
	signature          string
	network            Network
}

func encode(p compiled) ([]byte, error) {
	w := &writer{buf: &bytes.Buffer{}}
	w.raw(magic)
	w.u16(p.version)
	var flags uint8
	if p.hardwareCompatible {
		flags |= flagHardwareCompatible
	}
	w.u8(flags)
	w.str(p.platform)
	w.str(p.signature)

	w.u16(uint16(len(p.network.Inputs)))
	for _, in := range p.network.Inputs {
		w.str(in.Name)
		w.u8(uint8(len(in.Min)))
		for _, d := range in.Min {
			w.i64(d)
		}
		for _, d := range in.Max {
			w.i64(d)
		}
	}

	w.u16(uint16(len(p.network.Layers)))
	for _, l := range p.network.Layers {
		w.str(string(l.Op))
		w.u8(uint8(len(l.Inputs)))
		for _, name := range l.Inputs {
			w.str(name)
		}
		w.str(l.Output)
		w.i32(int32(l.Axis))
		w.f32(l.Scalar)
	}

	w.u16(uint16(len(p.network.Outputs)))
	for _, name := range p.network.Outputs {
		w.str(name)
	}
	if w.err != nil {
		return nil, w.err
	}

	body := w.buf.Bytes()
	sum := crc32.ChecksumIEEE(body)
	out := make([]byte, len(body)+4)
	copy(out, body)
	binary.LittleEndian.PutUint32(out[len(body):], sum)
	return out, nil
}

func decode(data []byte) (compiled, error) {
	if len(data) < len(magic)+4 || !bytes.HasPrefix(data, magic) {
		return compiled{}, errors.New("not a plan: bad magic")
	}
	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return compiled{}, errors.Errorf("plan checksum mismatch (got %08x, want %08x)", got, want)
	}

	r := &reader{r: bytes.NewReader(body[len(magic):])}
	var p compiled
	p.version = r.u16()
	if r.err == nil && p.version != FormatVersion {
		return compiled{}, errors.Errorf("unsupported plan format version %d (runtime supports %d)", p.version, FormatVersion)
	}
	flags := r.u8()
	p.hardwareCompatible = flags&flagHardwareCompatible != 0
	p.platform = r.str()
	p.signature = r.str()

	nIn := int(r.u16())
	for i := 0; i < nIn && r.err == nil; i++ {
		in := Input{Name: r.str()}
		rank := int(r.u8())
		in.Min = make([]int64, rank)
		in.Max = make([]int64, rank)
		for a := range rank {
			in.Min[a] = r.i64()
		}
		for a := range rank {
			in.Max[a] = r.i64()
		}
		p.network.Inputs = append(p.network.Inputs, in)
	}

	nLayers := int(r.u16())
	for i := 0; i < nLayers && r.err == nil; i++ {
		l := Layer{Op: Op(r.str())}
		nOperands := int(r.u8())
		for range nOperands {
			l.Inputs = append(l.Inputs, r.str())
		}
		l.Output = r.str()
		l.Axis = int(r.i32())
		l.Scalar = r.f32()
		p.network.Layers = append(p.network.Layers, l)
	}

	nOut := int(r.u16())
	for i := 0; i < nOut && r.err == nil; i++ {
		p.network.Outputs = append(p.network.Outputs, r.str())
	}
	if r.err != nil {
		return compiled{}, errors.Wrap(r.err, "truncated plan")
	}
	if r.r.Len() != 0 {
		return compiled{}, errors.Errorf("plan has %d trailing bytes", r.r.Len())
	}
	if err := p.network.Validate(); err != nil {
		return compiled{}, errors.Wrap(err, "invalid plan network")
	}
	return p, nil
}

type writer struct {
	buf *bytes.Buffer
	err error
}

func (w *writer) raw(b []byte) {
	if w.err == nil {
		_, w.err = w.buf.Write(b)
	}
}

func (w *writer) put(v any) {
	if w.err == nil {
		w.err = binary.Write(w.buf, binary.LittleEndian, v)
	}
}

func (w *writer) u8(v uint8)    { w.put(v) }
func (w *writer) u16(v uint16)  { w.put(v) }
func (w *writer) i32(v int32)   { w.put(v) }
func (w *writer) i64(v int64)   { w.put(v) }
func (w *writer) f32(v float32) { w.put(math.Float32bits(v)) }

func (w *writer) str(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = errors.Errorf("string of %d bytes does not fit a plan", len(s))
		}
		return
	}
	w.u16(uint16(len(s)))
	w.raw([]byte(s))
}

type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) get(v any) {
	if r.err == nil {
		r.err = binary.Read(r.r, binary.LittleEndian, v)
	}
}

func (r *reader) u8() (v uint8)   { r.get(&v); return v }
func (r *reader) u16() (v uint16) { r.get(&v); return v }
func (r *reader) i32() (v int32)  { r.get(&v); return v }
func (r *reader) i64() (v int64)  { r.get(&v); return v }

func (r *reader) f32() float32 {
	var bits uint32
	r.get(&bits)
	return math.Float32frombits(bits)
}

func (r *reader) str() string {
	n := int(r.u16())
	if r.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return ""
	}
	return string(b)
}
