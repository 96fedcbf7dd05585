package wat

import (
	"fmt"
	"strconv"
	"strings"
)

type valType byte

const (
	typeI32 valType = 0x7F
	typeI64 valType = 0x7E
	typeF32 valType = 0x7D
	typeF64 valType = 0x7C
)

func valTypeOf(atom string) (valType, bool) {
	switch atom {
	case "i32":
		return typeI32, true
	case "i64":
		return typeI64, true
	case "f32":
		return typeF32, true
	case "f64":
		return typeF64, true
	}
	return 0, false
}

type funcType struct {
	params  []valType
	results []valType
}

type watImport struct {
	module string
	name   string
	id     string
	typ    funcType
}

type watFunc struct {
	id     string
	typ    funcType
	locals []valType
	body   []node
}

type watMemory struct {
	min    uint32
	max    uint32
	hasMax bool
}

type watExport struct {
	name string
	kind byte // 0 func, 2 memory
	idx  uint32
}

type watData struct {
	offset int32
	bytes  []byte
}

type watModule struct {
	imports []watImport
	funcs   []watFunc
	memory  *watMemory
	exports []watExport
	data    []watData
	funcIdx map[string]uint32
}

func parseModule(src string) (*watModule, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	nodes, _, err := parseNodes(tokens)
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 || !nodes[0].isList() {
		return nil, fmt.Errorf("expected a single (module ...) form")
	}
	top := nodes[0].list
	if len(top) == 0 || top[0].atom != "module" {
		return nil, fmt.Errorf("expected (module ...)")
	}

	m := &watModule{funcIdx: make(map[string]uint32)}

	// Imports claim the low function indices; scan them first.
	for _, n := range top[1:] {
		if n.isList() && len(n.list) > 0 && n.list[0].atom == "import" {
			if err := m.parseImport(n.list); err != nil {
				return nil, err
			}
		}
	}

	for _, n := range top[1:] {
		if !n.isList() || len(n.list) == 0 {
			return nil, fmt.Errorf("unexpected token %q at module level", n.atom)
		}
		switch n.list[0].atom {
		case "import":
			// handled above
		case "func":
			if err := m.parseFunc(n.list); err != nil {
				return nil, err
			}
		case "memory":
			if err := m.parseMemory(n.list); err != nil {
				return nil, err
			}
		case "data":
			if err := m.parseData(n.list); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unsupported module field %q", n.list[0].atom)
		}
	}
	return m, nil
}

func (m *watModule) parseImport(fields []node) error {
	if len(fields) != 4 || !fields[1].isStr || !fields[2].isStr || !fields[3].isList() {
		return fmt.Errorf("malformed import")
	}
	desc := fields[3].list
	if len(desc) == 0 || desc[0].atom != "func" {
		return fmt.Errorf("only func imports are supported")
	}
	imp := watImport{module: fields[1].str, name: fields[2].str}
	rest := desc[1:]
	if len(rest) > 0 && strings.HasPrefix(rest[0].atom, "$") {
		imp.id = rest[0].atom
		rest = rest[1:]
	}
	typ, rest, err := parseSignature(rest)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("trailing tokens in import func type")
	}
	imp.typ = typ
	if imp.id != "" {
		m.funcIdx[imp.id] = uint32(len(m.imports))
	}
	m.imports = append(m.imports, imp)
	return nil
}

func (m *watModule) parseFunc(fields []node) error {
	fn := watFunc{}
	rest := fields[1:]

	if len(rest) > 0 && strings.HasPrefix(rest[0].atom, "$") {
		fn.id = rest[0].atom
		rest = rest[1:]
	}

	idx := uint32(len(m.imports) + len(m.funcs))
	for len(rest) > 0 && rest[0].isList() && len(rest[0].list) > 0 && rest[0].list[0].atom == "export" {
		exp := rest[0].list
		if len(exp) != 2 || !exp[1].isStr {
			return fmt.Errorf("malformed func export")
		}
		m.exports = append(m.exports, watExport{name: exp[1].str, kind: 0, idx: idx})
		rest = rest[1:]
	}

	typ, rest, err := parseSignature(rest)
	if err != nil {
		return err
	}
	fn.typ = typ

	for len(rest) > 0 && rest[0].isList() && len(rest[0].list) > 0 && rest[0].list[0].atom == "local" {
		for _, v := range rest[0].list[1:] {
			vt, ok := valTypeOf(v.atom)
			if !ok {
				return fmt.Errorf("bad local type %q", v.atom)
			}
			fn.locals = append(fn.locals, vt)
		}
		rest = rest[1:]
	}

	fn.body = rest
	if fn.id != "" {
		m.funcIdx[fn.id] = idx
	}
	m.funcs = append(m.funcs, fn)
	return nil
}

// parseSignature consumes leading (param ...) then (result ...) groups.
// Named params ((param $x i32)) are not supported; bodies index locals
// numerically.
func parseSignature(rest []node) (funcType, []node, error) {
	var typ funcType
	for len(rest) > 0 && rest[0].isList() && len(rest[0].list) > 0 && rest[0].list[0].atom == "param" {
		for _, v := range rest[0].list[1:] {
			vt, ok := valTypeOf(v.atom)
			if !ok {
				return typ, nil, fmt.Errorf("bad param type %q", v.atom)
			}
			typ.params = append(typ.params, vt)
		}
		rest = rest[1:]
	}
	for len(rest) > 0 && rest[0].isList() && len(rest[0].list) > 0 && rest[0].list[0].atom == "result" {
		for _, v := range rest[0].list[1:] {
			vt, ok := valTypeOf(v.atom)
			if !ok {
				return typ, nil, fmt.Errorf("bad result type %q", v.atom)
			}
			typ.results = append(typ.results, vt)
		}
		rest = rest[1:]
	}
	return typ, rest, nil
}

func (m *watModule) parseMemory(fields []node) error {
	if m.memory != nil {
		return fmt.Errorf("multiple memories")
	}
	mem := &watMemory{}
	rest := fields[1:]
	for len(rest) > 0 && rest[0].isList() && len(rest[0].list) > 0 && rest[0].list[0].atom == "export" {
		exp := rest[0].list
		if len(exp) != 2 || !exp[1].isStr {
			return fmt.Errorf("malformed memory export")
		}
		m.exports = append(m.exports, watExport{name: exp[1].str, kind: 2, idx: 0})
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return fmt.Errorf("memory without limits")
	}
	min, err := parseU32(rest[0].atom)
	if err != nil {
		return fmt.Errorf("memory min: %w", err)
	}
	mem.min = min
	if len(rest) > 1 {
		max, err := parseU32(rest[1].atom)
		if err != nil {
			return fmt.Errorf("memory max: %w", err)
		}
		mem.max = max
		mem.hasMax = true
	}
	m.memory = mem
	return nil
}

func (m *watModule) parseData(fields []node) error {
	if len(fields) < 3 || !fields[1].isList() {
		return fmt.Errorf("malformed data segment")
	}
	off := fields[1].list
	if len(off) != 2 || off[0].atom != "i32.const" {
		return fmt.Errorf("data offset must be (i32.const n)")
	}
	offset, err := parseI32(off[1].atom)
	if err != nil {
		return err
	}
	var bytes []byte
	for _, s := range fields[2:] {
		if !s.isStr {
			return fmt.Errorf("data segment payload must be string literals")
		}
		bytes = append(bytes, s.str...)
	}
	m.data = append(m.data, watData{offset: offset, bytes: bytes})
	return nil
}

func parseU32(atom string) (uint32, error) {
	v, err := strconv.ParseUint(cleanNum(atom), 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad integer %q", atom)
	}
	return uint32(v), nil
}

func parseI32(atom string) (int32, error) {
	v, err := strconv.ParseInt(cleanNum(atom), 0, 64)
	if err != nil {
		// i32.const accepts the unsigned form of negative values too
		u, uerr := strconv.ParseUint(cleanNum(atom), 0, 32)
		if uerr != nil {
			return 0, fmt.Errorf("bad integer %q", atom)
		}
		return int32(u), nil
	}
	if v > 0xFFFFFFFF || v < -0x80000000 {
		return 0, fmt.Errorf("integer %q out of i32 range", atom)
	}
	return int32(uint32(v)), nil
}

func parseI64(atom string) (int64, error) {
	v, err := strconv.ParseInt(cleanNum(atom), 0, 64)
	if err != nil {
		u, uerr := strconv.ParseUint(cleanNum(atom), 0, 64)
		if uerr != nil {
			return 0, fmt.Errorf("bad integer %q", atom)
		}
		return int64(u), nil
	}
	return v, nil
}

func cleanNum(atom string) string {
	return strings.ReplaceAll(atom, "_", "")
}
