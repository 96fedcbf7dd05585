package wat

import (
	"bytes"
	"fmt"
	"strings"
)

// Section ids in the wasm binary format.
const (
	secType   = 1
	secImport = 2
	secFunc   = 3
	secMemory = 5
	secExport = 7
	secCode   = 10
	secData   = 11
)

func encodeModule(m *watModule) ([]byte, error) {
	types, typeIdx := collectTypes(m)

	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00})

	// Type section
	var sec bytes.Buffer
	writeU(&sec, uint64(len(types)))
	for _, t := range types {
		sec.WriteByte(0x60)
		writeU(&sec, uint64(len(t.params)))
		for _, p := range t.params {
			sec.WriteByte(byte(p))
		}
		writeU(&sec, uint64(len(t.results)))
		for _, r := range t.results {
			sec.WriteByte(byte(r))
		}
	}
	writeSection(&out, secType, sec.Bytes())

	// Import section
	if len(m.imports) > 0 {
		sec.Reset()
		writeU(&sec, uint64(len(m.imports)))
		for _, imp := range m.imports {
			writeName(&sec, imp.module)
			writeName(&sec, imp.name)
			sec.WriteByte(0x00)
			writeU(&sec, uint64(typeIdx[typeKey(imp.typ)]))
		}
		writeSection(&out, secImport, sec.Bytes())
	}

	// Function section
	if len(m.funcs) > 0 {
		sec.Reset()
		writeU(&sec, uint64(len(m.funcs)))
		for _, fn := range m.funcs {
			writeU(&sec, uint64(typeIdx[typeKey(fn.typ)]))
		}
		writeSection(&out, secFunc, sec.Bytes())
	}

	// Memory section
	if m.memory != nil {
		sec.Reset()
		writeU(&sec, 1)
		if m.memory.hasMax {
			sec.WriteByte(0x01)
			writeU(&sec, uint64(m.memory.min))
			writeU(&sec, uint64(m.memory.max))
		} else {
			sec.WriteByte(0x00)
			writeU(&sec, uint64(m.memory.min))
		}
		writeSection(&out, secMemory, sec.Bytes())
	}

	// Export section
	if len(m.exports) > 0 {
		sec.Reset()
		writeU(&sec, uint64(len(m.exports)))
		for _, e := range m.exports {
			writeName(&sec, e.name)
			sec.WriteByte(e.kind)
			writeU(&sec, uint64(e.idx))
		}
		writeSection(&out, secExport, sec.Bytes())
	}

	// Code section
	if len(m.funcs) > 0 {
		sec.Reset()
		writeU(&sec, uint64(len(m.funcs)))
		for _, fn := range m.funcs {
			body, err := encodeBody(m, fn)
			if err != nil {
				return nil, err
			}
			writeU(&sec, uint64(len(body)))
			sec.Write(body)
		}
		writeSection(&out, secCode, sec.Bytes())
	}

	// Data section
	if len(m.data) > 0 {
		sec.Reset()
		writeU(&sec, uint64(len(m.data)))
		for _, d := range m.data {
			sec.WriteByte(0x00)
			sec.WriteByte(0x41) // i32.const
			writeS(&sec, int64(d.offset))
			sec.WriteByte(0x0B)
			writeU(&sec, uint64(len(d.bytes)))
			sec.Write(d.bytes)
		}
		writeSection(&out, secData, sec.Bytes())
	}

	return out.Bytes(), nil
}

func collectTypes(m *watModule) ([]funcType, map[string]int) {
	var types []funcType
	idx := make(map[string]int)
	add := func(t funcType) {
		k := typeKey(t)
		if _, ok := idx[k]; !ok {
			idx[k] = len(types)
			types = append(types, t)
		}
	}
	for _, imp := range m.imports {
		add(imp.typ)
	}
	for _, fn := range m.funcs {
		add(fn.typ)
	}
	if len(types) == 0 {
		add(funcType{})
	}
	return types, idx
}

func typeKey(t funcType) string {
	var b strings.Builder
	for _, p := range t.params {
		b.WriteByte(byte(p))
	}
	b.WriteByte(':')
	for _, r := range t.results {
		b.WriteByte(byte(r))
	}
	return b.String()
}

// plainOps maps mnemonics with no immediates to their opcode.
var plainOps = map[string]byte{
	"unreachable":      0x00,
	"nop":              0x01,
	"else":             0x05,
	"end":              0x0B,
	"return":           0x0F,
	"drop":             0x1A,
	"select":           0x1B,
	"i32.eqz":          0x45,
	"i32.eq":           0x46,
	"i32.ne":           0x47,
	"i32.lt_s":         0x48,
	"i32.lt_u":         0x49,
	"i32.gt_s":         0x4A,
	"i32.gt_u":         0x4B,
	"i32.le_s":         0x4C,
	"i32.le_u":         0x4D,
	"i32.ge_s":         0x4E,
	"i32.ge_u":         0x4F,
	"i64.eqz":          0x50,
	"i64.eq":           0x51,
	"i64.ne":           0x52,
	"i32.add":          0x6A,
	"i32.sub":          0x6B,
	"i32.mul":          0x6C,
	"i32.div_s":        0x6D,
	"i32.div_u":        0x6E,
	"i32.rem_s":        0x6F,
	"i32.rem_u":        0x70,
	"i32.and":          0x71,
	"i32.or":           0x72,
	"i32.xor":          0x73,
	"i32.shl":          0x74,
	"i32.shr_s":        0x75,
	"i32.shr_u":        0x76,
	"i64.add":          0x7C,
	"i64.sub":          0x7D,
	"i64.mul":          0x7E,
	"i64.and":          0x83,
	"i64.or":           0x84,
	"i64.xor":          0x85,
	"i64.shl":          0x86,
	"i64.shr_s":        0x87,
	"i64.shr_u":        0x88,
	"i32.wrap_i64":     0xA7,
	"i64.extend_i32_s": 0xAC,
	"i64.extend_i32_u": 0xAD,
}

// memOps maps load/store mnemonics to opcode and natural alignment.
var memOps = map[string]struct {
	op    byte
	align uint32
}{
	"i32.load":     {0x28, 2},
	"i64.load":     {0x29, 3},
	"i32.load8_u":  {0x2D, 0},
	"i32.load16_u": {0x2F, 1},
	"i32.store":    {0x36, 2},
	"i64.store":    {0x37, 3},
	"i32.store8":   {0x3A, 0},
	"i32.store16":  {0x3B, 1},
}

func encodeBody(m *watModule, fn watFunc) ([]byte, error) {
	var b bytes.Buffer

	// Locals, run-length encoded by type.
	var runs []struct {
		count uint32
		typ   valType
	}
	for _, l := range fn.locals {
		if len(runs) > 0 && runs[len(runs)-1].typ == l {
			runs[len(runs)-1].count++
		} else {
			runs = append(runs, struct {
				count uint32
				typ   valType
			}{1, l})
		}
	}
	writeU(&b, uint64(len(runs)))
	for _, r := range runs {
		writeU(&b, uint64(r.count))
		b.WriteByte(byte(r.typ))
	}

	var labels []string // innermost last
	body := fn.body
	i := 0
	next := func(what string) (node, error) {
		if i >= len(body) {
			return node{}, fmt.Errorf("func %s: missing %s operand", fn.id, what)
		}
		n := body[i]
		i++
		return n, nil
	}

	for i < len(body) {
		n := body[i]
		i++
		if n.isList() {
			return nil, fmt.Errorf("func %s: folded expressions are not supported", fn.id)
		}
		op := n.atom

		if code, ok := plainOps[op]; ok {
			b.WriteByte(code)
			if op == "end" && len(labels) > 0 {
				labels = labels[:len(labels)-1]
			}
			continue
		}
		if mo, ok := memOps[op]; ok {
			align, offset := mo.align, uint32(0)
			for i < len(body) && !body[i].isList() {
				if v, ok := strings.CutPrefix(body[i].atom, "offset="); ok {
					o, err := parseU32(v)
					if err != nil {
						return nil, err
					}
					offset = o
					i++
				} else if v, ok := strings.CutPrefix(body[i].atom, "align="); ok {
					a, err := parseU32(v)
					if err != nil {
						return nil, err
					}
					align = log2(a)
					i++
				} else {
					break
				}
			}
			b.WriteByte(mo.op)
			writeU(&b, uint64(align))
			writeU(&b, uint64(offset))
			continue
		}

		switch op {
		case "block", "loop", "if":
			switch op {
			case "block":
				b.WriteByte(0x02)
			case "loop":
				b.WriteByte(0x03)
			case "if":
				b.WriteByte(0x04)
			}
			label := ""
			if i < len(body) && !body[i].isList() && strings.HasPrefix(body[i].atom, "$") {
				label = body[i].atom
				i++
			}
			labels = append(labels, label)
			if i < len(body) && body[i].isList() && len(body[i].list) == 2 && body[i].list[0].atom == "result" {
				vt, ok := valTypeOf(body[i].list[1].atom)
				if !ok {
					return nil, fmt.Errorf("func %s: bad block result type", fn.id)
				}
				b.WriteByte(byte(vt))
				i++
			} else {
				b.WriteByte(0x40) // void
			}
		case "br", "br_if":
			arg, err := next(op)
			if err != nil {
				return nil, err
			}
			depth, err := resolveLabel(labels, arg.atom)
			if err != nil {
				return nil, fmt.Errorf("func %s: %w", fn.id, err)
			}
			if op == "br" {
				b.WriteByte(0x0C)
			} else {
				b.WriteByte(0x0D)
			}
			writeU(&b, uint64(depth))
		case "call":
			arg, err := next("call")
			if err != nil {
				return nil, err
			}
			var idx uint32
			if strings.HasPrefix(arg.atom, "$") {
				fi, ok := m.funcIdx[arg.atom]
				if !ok {
					return nil, fmt.Errorf("func %s: call to unknown func %s", fn.id, arg.atom)
				}
				idx = fi
			} else {
				fi, err := parseU32(arg.atom)
				if err != nil {
					return nil, err
				}
				idx = fi
			}
			b.WriteByte(0x10)
			writeU(&b, uint64(idx))
		case "local.get", "local.set", "local.tee":
			arg, err := next(op)
			if err != nil {
				return nil, err
			}
			idx, err := parseU32(arg.atom)
			if err != nil {
				return nil, err
			}
			switch op {
			case "local.get":
				b.WriteByte(0x20)
			case "local.set":
				b.WriteByte(0x21)
			case "local.tee":
				b.WriteByte(0x22)
			}
			writeU(&b, uint64(idx))
		case "i32.const":
			arg, err := next(op)
			if err != nil {
				return nil, err
			}
			v, err := parseI32(arg.atom)
			if err != nil {
				return nil, err
			}
			b.WriteByte(0x41)
			writeS(&b, int64(v))
		case "i64.const":
			arg, err := next(op)
			if err != nil {
				return nil, err
			}
			v, err := parseI64(arg.atom)
			if err != nil {
				return nil, err
			}
			b.WriteByte(0x42)
			writeS(&b, v)
		case "memory.size":
			b.WriteByte(0x3F)
			b.WriteByte(0x00)
		case "memory.grow":
			b.WriteByte(0x40)
			b.WriteByte(0x00)
		default:
			return nil, fmt.Errorf("func %s: unsupported instruction %q", fn.id, op)
		}
	}

	b.WriteByte(0x0B) // end of function expression
	return b.Bytes(), nil
}

func resolveLabel(labels []string, arg string) (uint32, error) {
	if !strings.HasPrefix(arg, "$") {
		return parseU32(arg)
	}
	for d := 0; d < len(labels); d++ {
		if labels[len(labels)-1-d] == arg {
			return uint32(d), nil
		}
	}
	return 0, fmt.Errorf("unknown label %s", arg)
}

func log2(v uint32) uint32 {
	var n uint32
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func writeSection(out *bytes.Buffer, id byte, body []byte) {
	out.WriteByte(id)
	writeU(out, uint64(len(body)))
	out.Write(body)
}

func writeName(b *bytes.Buffer, s string) {
	writeU(b, uint64(len(s)))
	b.WriteString(s)
}

// writeU emits an unsigned LEB128 integer.
func writeU(b *bytes.Buffer, v uint64) {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b.WriteByte(c)
		if v == 0 {
			return
		}
	}
}

// writeS emits a signed LEB128 integer.
func writeS(b *bytes.Buffer, v int64) {
	for {
		c := byte(v & 0x7F)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b.WriteByte(c)
		if done {
			return
		}
	}
}
