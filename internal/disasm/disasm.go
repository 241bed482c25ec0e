// Package disasm renders machine-code listings of function bytes carried by
// a task, so unresolved blocks can be shown next to the code they came from.
package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/l3aro/go-deflat/pkg/task"
)

// ErrNoCode is returned when no function of the task covers an address.
var ErrNoCode = errors.New("no function bytes cover address")

// Line is one decoded instruction.
type Line struct {
	Addr  uint64
	Bytes []byte
	Text  string
}

func (l Line) String() string {
	return fmt.Sprintf("%#010x  %-24s %s", l.Addr, hexBytes(l.Bytes), l.Text)
}

// Decoder turns bytes into listing lines.
type Decoder struct {
	Arch  task.Arch
	Bit   int
	Thumb bool
}

// For returns the decoder for a task function.
func For(t *task.Task, fn task.Function) Decoder {
	return Decoder{Arch: t.Arch, Bit: t.Bit, Thumb: fn.Thumb}
}

// Decode lists code placed at base. Bytes that do not decode are emitted as
// data and decoding resumes after them.
func (d Decoder) Decode(code []byte, base uint64) []Line {
	var out []Line
	for off := 0; off < len(code); {
		n, text := d.one(code[off:], base+uint64(off))
		if n <= 0 || n > len(code)-off {
			n = min(d.unit(), len(code)-off)
			text = dataDirective(code[off : off+n])
		}
		out = append(out, Line{Addr: base + uint64(off), Bytes: code[off : off+n], Text: text})
		off += n
	}
	return out
}

func (d Decoder) unit() int {
	switch {
	case d.Arch == task.ArchMetaPC:
		return 1
	case d.Thumb:
		return 2
	default:
		return 4
	}
}

func (d Decoder) one(code []byte, pc uint64) (int, string) {
	switch d.Arch {
	case task.ArchMetaPC:
		inst, err := x86asm.Decode(code, d.Bit)
		if err != nil {
			return 0, ""
		}
		return inst.Len, x86asm.IntelSyntax(inst, pc, nil)
	case task.ArchARM:
		if d.Bit == 64 {
			if len(code) < 4 {
				return 0, ""
			}
			inst, err := arm64asm.Decode(code[:4])
			if err != nil {
				return 0, ""
			}
			return 4, strings.ToLower(arm64asm.GNUSyntax(inst))
		}
		mode := armasm.ModeARM
		if d.Thumb {
			mode = armasm.ModeThumb
		}
		inst, err := armasm.Decode(code, mode)
		if err != nil {
			return 0, ""
		}
		return inst.Len, armasm.GNUSyntax(inst)
	}
	return 0, ""
}

// Range lists the bytes of [start, end) from whichever task function
// contains start.
func Range(t *task.Task, start, end uint64) ([]Line, error) {
	fns, err := t.Functions()
	if err != nil {
		return nil, err
	}
	for _, fn := range fns {
		last := fn.Addr + uint64(len(fn.Code))
		if start < fn.Addr || start >= last {
			continue
		}
		if end > last || end <= start {
			end = last
		}
		return For(t, fn).Decode(fn.Code[start-fn.Addr:end-fn.Addr], start), nil
	}
	return nil, fmt.Errorf("%#x: %w", start, ErrNoCode)
}

func dataDirective(b []byte) string {
	switch len(b) {
	case 2:
		return fmt.Sprintf(".hword %#04x", binary.LittleEndian.Uint16(b))
	case 4:
		return fmt.Sprintf(".word %#08x", binary.LittleEndian.Uint32(b))
	}
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%#02x", c)
	}
	return ".byte " + strings.Join(parts, ", ")
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = fmt.Sprintf("%02x", c)
	}
	return strings.Join(parts, " ")
}
