package nmea

import (
	"bytes"
	"fmt"
	"strconv"
)

// Tokenizer walks the comma-separated fields of a sentence in place. Each
// call consumes one field; typed accessors parse it without copying the
// sentence. The first parse failure is kept and reported by Err.
type Tokenizer struct {
	buf  []byte
	pos  int
	done bool
	idx  int
	err  error
}

func NewTokenizer(fields []byte) *Tokenizer {
	return &Tokenizer{buf: fields}
}

// Next returns the next field. ok is false once all fields are consumed.
func (t *Tokenizer) Next() (tok []byte, ok bool) {
	if t.done {
		return nil, false
	}
	t.idx++
	rest := t.buf[t.pos:]
	i := bytes.IndexByte(rest, ',')
	if i < 0 {
		t.done = true
		t.pos = len(t.buf)
		return rest, true
	}
	t.pos += i + 1
	return rest[:i], true
}

// Skip discards n fields.
func (t *Tokenizer) Skip(n int) {
	for i := 0; i < n; i++ {
		if _, ok := t.Next(); !ok {
			return
		}
	}
}

// Float parses the next field. Blank or missing fields return ok=false
// without recording an error.
func (t *Tokenizer) Float() (float64, bool) {
	tok, ok := t.Next()
	if !ok || len(tok) == 0 {
		return 0, false
	}
	v, err := strconv.ParseFloat(string(tok), 64)
	if err != nil {
		t.fail(tok, "float")
		return 0, false
	}
	return v, true
}

// Int parses the next field as a base-10 integer.
func (t *Tokenizer) Int() (int, bool) {
	tok, ok := t.Next()
	if !ok || len(tok) == 0 {
		return 0, false
	}
	v, err := strconv.Atoi(string(tok))
	if err != nil {
		t.fail(tok, "int")
		return 0, false
	}
	return v, true
}

// IntOr parses the next field, returning def when it is blank.
func (t *Tokenizer) IntOr(def int) int {
	if v, ok := t.Int(); ok {
		return v
	}
	return def
}

// Char returns the first byte of the next field, or 0 when blank.
func (t *Tokenizer) Char() byte {
	tok, ok := t.Next()
	if !ok || len(tok) == 0 {
		return 0
	}
	return tok[0]
}

// String returns the next field as a string.
func (t *Tokenizer) String() string {
	tok, _ := t.Next()
	return string(tok)
}

// Rest returns everything not yet consumed, commas included.
func (t *Tokenizer) Rest() string {
	if t.done {
		return ""
	}
	t.done = true
	rest := t.buf[t.pos:]
	t.pos = len(t.buf)
	return string(rest)
}

func (t *Tokenizer) Err() error { return t.err }

func (t *Tokenizer) fail(tok []byte, what string) {
	if t.err == nil {
		t.err = fmt.Errorf("nmea: field %d: bad %s %q", t.idx, what, tok)
	}
}

// countFields reports the number of comma-separated fields in b.
func countFields(b []byte) int {
	return bytes.Count(b, []byte{','}) + 1
}
