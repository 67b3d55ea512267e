package mi

import (
	"fmt"
	"strings"
)

// parser walks the "key=value,..." part of a result or async record.
type parser struct {
	s string
	i int
}

func parseResults(s string) (map[string]any, error) {
	p := &parser{s: s}
	out, err := p.results(0)
	if err != nil {
		return nil, err
	}
	if p.i != len(p.s) {
		return nil, fmt.Errorf("trailing data at offset %d", p.i)
	}
	return out, nil
}

// results parses comma separated key=value pairs until end or closing byte.
func (p *parser) results(closing byte) (map[string]any, error) {
	out := make(map[string]any)
	multi := make(map[string]bool)
	for p.i < len(p.s) && p.s[p.i] != closing {
		key, val, err := p.result()
		if err != nil {
			return nil, err
		}
		addResult(out, multi, key, val)
		if p.i < len(p.s) && p.s[p.i] == ',' {
			p.i++
		}
	}
	return out, nil
}

// addResult stores val under key; repeated keys collect into a list.
func addResult(out map[string]any, multi map[string]bool, key string, val any) {
	prev, ok := out[key]
	switch {
	case !ok:
		out[key] = val
	case multi[key]:
		out[key] = append(prev.([]any), val)
	default:
		out[key] = []any{prev, val}
		multi[key] = true
	}
}

func (p *parser) result() (string, any, error) {
	eq := strings.IndexByte(p.s[p.i:], '=')
	if eq < 0 {
		return "", nil, fmt.Errorf("missing '=' at offset %d", p.i)
	}
	key := p.s[p.i : p.i+eq]
	p.i += eq + 1
	val, err := p.value()
	return key, val, err
}

func (p *parser) value() (any, error) {
	if p.i >= len(p.s) {
		return nil, fmt.Errorf("unexpected end of input")
	}
	switch p.s[p.i] {
	case '"':
		return p.cstring()
	case '{':
		p.i++
		m, err := p.results('}')
		if err != nil {
			return nil, err
		}
		if err := p.expect('}'); err != nil {
			return nil, err
		}
		return m, nil
	case '[':
		p.i++
		list, err := p.list()
		if err != nil {
			return nil, err
		}
		if err := p.expect(']'); err != nil {
			return nil, err
		}
		return list, nil
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", p.s[p.i], p.i)
}

// list parses either a value list or a result list; keys of a result list
// (frame=...,frame=...) are dropped.
func (p *parser) list() ([]any, error) {
	out := []any{}
	for p.i < len(p.s) && p.s[p.i] != ']' {
		var (
			v   any
			err error
		)
		switch p.s[p.i] {
		case '"', '{', '[':
			v, err = p.value()
		default:
			_, v, err = p.result()
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		if p.i < len(p.s) && p.s[p.i] == ',' {
			p.i++
		}
	}
	return out, nil
}

func (p *parser) expect(c byte) error {
	if p.i >= len(p.s) || p.s[p.i] != c {
		return fmt.Errorf("expected %q at offset %d", c, p.i)
	}
	p.i++
	return nil
}

func (p *parser) cstring() (string, error) {
	end, s, err := scanCString(p.s, p.i)
	if err != nil {
		return "", err
	}
	p.i = end
	return s, nil
}

// unquote decodes a complete C string such as the body of a stream record.
func unquote(s string) (string, error) {
	end, out, err := scanCString(s, 0)
	if err != nil {
		return "", err
	}
	if end != len(s) {
		return "", fmt.Errorf("trailing data after string")
	}
	return out, nil
}

// scanCString decodes the C string starting at s[start] (which must be a
// double quote) and returns the offset just past the closing quote.
func scanCString(s string, start int) (int, string, error) {
	if start >= len(s) || s[start] != '"' {
		return 0, "", fmt.Errorf("expected string at offset %d", start)
	}
	var b strings.Builder
	for i := start + 1; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			return i + 1, b.String(), nil
		case c != '\\':
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			break
		}
		switch e := s[i]; e {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case 'e':
			b.WriteByte(0x1b)
		case 'a':
			b.WriteByte('\a')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '0', '1', '2', '3', '4', '5', '6', '7':
			n, j := 0, i
			for ; j < len(s) && j < i+3 && s[j] >= '0' && s[j] <= '7'; j++ {
				n = n*8 + int(s[j]-'0')
			}
			b.WriteByte(byte(n))
			i = j - 1
		default:
			b.WriteByte(e)
		}
	}
	return 0, "", fmt.Errorf("unterminated string at offset %d", start)
}
