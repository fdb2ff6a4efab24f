package format

import (
	"bytes"
	"fmt"
	"strconv"
)

// pdfKind is the type of a content-stream operand.
type pdfKind int

const (
	pdfNumber pdfKind = iota
	pdfString
	pdfName
	pdfArray
	pdfDict
	pdfBool
	pdfNull
)

type pdfObj struct {
	kind pdfKind
	num  float64
	str  []byte // decoded string bytes or name
	arr  []pdfObj
}

// pdfOp is one operator with its operands. start and end cover the raw
// bytes from the first operand through the operator keyword.
type pdfOp struct {
	name       string
	args       []pdfObj
	start, end int
}

func (o pdfOp) nums(n int) ([]float64, bool) {
	if len(o.args) < n {
		return nil, false
	}
	out := make([]float64, n)
	for i, a := range o.args[len(o.args)-n:] {
		if a.kind != pdfNumber {
			return nil, false
		}
		out[i] = a.num
	}
	return out, true
}

func isPDFSpace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isPDFDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

type pdfLexer struct {
	data []byte
	pos  int
}

// lexContent splits a decoded content stream into operations. Inline
// images are kept as a single BI operation spanning through EI.
func lexContent(data []byte) ([]pdfOp, error) {
	l := &pdfLexer{data: data}
	var (
		ops   []pdfOp
		args  []pdfObj
		start = -1
	)
	for {
		l.skipSpace()
		if l.pos >= len(l.data) {
			break
		}
		tokStart := l.pos
		if start < 0 {
			start = tokStart
		}
		c := l.data[l.pos]
		if isPDFDelim(c) || c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9') {
			obj, err := l.object()
			if err != nil {
				return nil, err
			}
			args = append(args, obj)
			continue
		}
		kw := l.keyword()
		switch kw {
		case "true", "false":
			args = append(args, pdfObj{kind: pdfBool, str: []byte(kw)})
			continue
		case "null":
			args = append(args, pdfObj{kind: pdfNull})
			continue
		case "BI":
			if err := l.skipInlineImage(); err != nil {
				return nil, err
			}
		}
		ops = append(ops, pdfOp{name: kw, args: args, start: start, end: l.pos})
		args, start = nil, -1
	}
	return ops, nil
}

func (l *pdfLexer) skipSpace() {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		if c == '%' {
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
			continue
		}
		if !isPDFSpace(c) {
			return
		}
		l.pos++
	}
}

func (l *pdfLexer) keyword() string {
	s := l.pos
	for l.pos < len(l.data) && !isPDFSpace(l.data[l.pos]) && !isPDFDelim(l.data[l.pos]) {
		l.pos++
	}
	if l.pos == s {
		// Stray delimiter; consume it so lexing always advances.
		l.pos++
	}
	return string(l.data[s:l.pos])
}

func (l *pdfLexer) object() (pdfObj, error) {
	c := l.data[l.pos]
	switch {
	case c == '(':
		return l.literal()
	case c == '<' && l.pos+1 < len(l.data) && l.data[l.pos+1] == '<':
		return l.dict()
	case c == '<':
		return l.hex()
	case c == '/':
		l.pos++
		s := l.pos
		for l.pos < len(l.data) && !isPDFSpace(l.data[l.pos]) && !isPDFDelim(l.data[l.pos]) {
			l.pos++
		}
		return pdfObj{kind: pdfName, str: l.data[s:l.pos]}, nil
	case c == '[':
		l.pos++
		var arr []pdfObj
		for {
			l.skipSpace()
			if l.pos >= len(l.data) {
				return pdfObj{}, fmt.Errorf("%w: unterminated array", ErrCorrupt)
			}
			if l.data[l.pos] == ']' {
				l.pos++
				return pdfObj{kind: pdfArray, arr: arr}, nil
			}
			if !isPDFDelim(l.data[l.pos]) && !isNumStart(l.data[l.pos]) {
				// Keywords inside arrays (true, false, null).
				kw := l.keyword()
				arr = append(arr, pdfObj{kind: pdfBool, str: []byte(kw)})
				continue
			}
			o, err := l.object()
			if err != nil {
				return pdfObj{}, err
			}
			arr = append(arr, o)
		}
	case isNumStart(c):
		s := l.pos
		l.pos++
		for l.pos < len(l.data) && isNumStart(l.data[l.pos]) {
			l.pos++
		}
		f, err := strconv.ParseFloat(string(l.data[s:l.pos]), 64)
		if err != nil {
			// Malformed numbers such as "--5" are read as zero.
			f = 0
		}
		return pdfObj{kind: pdfNumber, num: f}, nil
	}
	l.pos++
	return pdfObj{kind: pdfNull}, nil
}

func isNumStart(c byte) bool {
	return c == '+' || c == '-' || c == '.' || (c >= '0' && c <= '9')
}

func (l *pdfLexer) literal() (pdfObj, error) {
	l.pos++ // (
	var b []byte
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return pdfObj{kind: pdfString, str: b}, nil
			}
		case '\\':
			if l.pos >= len(l.data) {
				continue
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				b = append(b, '\n')
			case 'r':
				b = append(b, '\r')
			case 't':
				b = append(b, '\t')
			case 'b':
				b = append(b, '\b')
			case 'f':
				b = append(b, '\f')
			case '\r':
				if l.pos < len(l.data) && l.data[l.pos] == '\n' {
					l.pos++
				}
			case '\n':
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						v = v*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					b = append(b, byte(v))
				} else {
					b = append(b, e)
				}
			}
			continue
		}
		b = append(b, c)
	}
	return pdfObj{}, fmt.Errorf("%w: unterminated string", ErrCorrupt)
}

func (l *pdfLexer) hex() (pdfObj, error) {
	l.pos++ // <
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		if !isPDFSpace(l.data[l.pos]) {
			digits = append(digits, l.data[l.pos])
		}
		l.pos++
	}
	if l.pos >= len(l.data) {
		return pdfObj{}, fmt.Errorf("%w: unterminated hex string", ErrCorrupt)
	}
	l.pos++ // >
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	b := make([]byte, len(digits)/2)
	for i := range b {
		v, err := strconv.ParseUint(string(digits[2*i:2*i+2]), 16, 8)
		if err != nil {
			return pdfObj{}, fmt.Errorf("%w: bad hex string", ErrCorrupt)
		}
		b[i] = byte(v)
	}
	return pdfObj{kind: pdfString, str: b}, nil
}

// dict skips a dictionary operand; its contents are never needed.
func (l *pdfLexer) dict() (pdfObj, error) {
	l.pos += 2
	for {
		l.skipSpace()
		if l.pos >= len(l.data) {
			return pdfObj{}, fmt.Errorf("%w: unterminated dictionary", ErrCorrupt)
		}
		if bytes.HasPrefix(l.data[l.pos:], []byte(">>")) {
			l.pos += 2
			return pdfObj{kind: pdfDict}, nil
		}
		if !isPDFDelim(l.data[l.pos]) && !isNumStart(l.data[l.pos]) {
			l.keyword()
			continue
		}
		if _, err := l.object(); err != nil {
			return pdfObj{}, err
		}
	}
}

// skipInlineImage advances past "... ID <data> EI". The data ends at the
// first EI that is surrounded by whitespace.
func (l *pdfLexer) skipInlineImage() error {
	idx := bytes.Index(l.data[l.pos:], []byte("ID"))
	if idx < 0 {
		return fmt.Errorf("%w: inline image without ID", ErrCorrupt)
	}
	p := l.pos + idx + 2
	if p < len(l.data) && isPDFSpace(l.data[p]) {
		p++
	}
	for p+1 < len(l.data) {
		if l.data[p] == 'E' && l.data[p+1] == 'I' &&
			p > 0 && isPDFSpace(l.data[p-1]) &&
			(p+2 == len(l.data) || isPDFSpace(l.data[p+2])) {
			l.pos = p + 2
			return nil
		}
		p++
	}
	return fmt.Errorf("%w: inline image without EI", ErrCorrupt)
}
