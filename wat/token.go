package wat

import (
	"fmt"
	"strings"
)

type node struct {
	atom  string
	str   string
	list  []node
	isStr bool
}

func (n node) isList() bool { return n.list != nil }

// tokenize splits WAT source into parens, strings and atoms, dropping
// line (;;) and block ((; ;)) comments.
func tokenize(src string) ([]string, error) {
	var tokens []string
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ';' && i+1 < len(src) && src[i+1] == ';':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '(' && i+1 < len(src) && src[i+1] == ';':
			depth := 1
			i += 2
			for i < len(src) && depth > 0 {
				if i+1 < len(src) && src[i] == '(' && src[i+1] == ';' {
					depth++
					i += 2
				} else if i+1 < len(src) && src[i] == ';' && src[i+1] == ')' {
					depth--
					i += 2
				} else {
					i++
				}
			}
			if depth > 0 {
				return nil, fmt.Errorf("unterminated block comment")
			}
		case c == '(' || c == ')':
			tokens = append(tokens, string(c))
			i++
		case c == '"':
			j := i + 1
			for j < len(src) && src[j] != '"' {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			tokens = append(tokens, src[i:j+1])
			i = j + 1
		default:
			j := i
			for j < len(src) && !strings.ContainsRune(" \t\n\r()\";", rune(src[j])) {
				j++
			}
			tokens = append(tokens, src[i:j])
			i = j
		}
	}
	return tokens, nil
}

// parseNodes builds the s-expression tree from a token stream.
func parseNodes(tokens []string) ([]node, int, error) {
	var nodes []node
	i := 0
	for i < len(tokens) {
		tok := tokens[i]
		switch tok {
		case "(":
			inner, n, err := parseNodes(tokens[i+1:])
			if err != nil {
				return nil, 0, err
			}
			i += 1 + n
			if i >= len(tokens) || tokens[i] != ")" {
				return nil, 0, fmt.Errorf("missing closing paren")
			}
			i++
			if inner == nil {
				inner = []node{}
			}
			nodes = append(nodes, node{list: inner})
		case ")":
			return nodes, i, nil
		default:
			if strings.HasPrefix(tok, "\"") {
				s, err := unquote(tok)
				if err != nil {
					return nil, 0, err
				}
				nodes = append(nodes, node{str: s, isStr: true})
			} else {
				nodes = append(nodes, node{atom: tok})
			}
			i++
		}
	}
	return nodes, i, nil
}

// unquote decodes a WAT string literal, including \xx hex escapes.
func unquote(tok string) (string, error) {
	body := tok[1 : len(tok)-1]
	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(body) {
			return "", fmt.Errorf("dangling escape in string literal")
		}
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '"':
			b.WriteByte('"')
		case '\\':
			b.WriteByte('\\')
		default:
			if i+1 >= len(body) {
				return "", fmt.Errorf("truncated hex escape in string literal")
			}
			hi, ok1 := hexVal(body[i])
			lo, ok2 := hexVal(body[i+1])
			if !ok1 || !ok2 {
				return "", fmt.Errorf("bad escape %q in string literal", body[i:i+2])
			}
			b.WriteByte(hi<<4 | lo)
			i++
		}
	}
	return b.String(), nil
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
