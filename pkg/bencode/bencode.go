// Package bencode implements the BEP-3 bencoding used by Mainline DHT
// messages. Values form a small tagged sum: integers, byte strings,
// lists and dictionaries. Dictionaries remember insertion order but are
// always emitted with lexicographically sorted keys, as the wire format
// requires.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Value is one bencoded datum: Int, Bytes, List or *Dict.
type Value interface {
	bencodeValue()
}

// Int is a bencoded integer.
type Int int64

// Bytes is a bencoded byte string.
type Bytes []byte

// List is a bencoded list.
type List []Value

// Dict is a bencoded dictionary with remembered key order.
type Dict struct {
	keys []string
	m    map[string]Value
}

func (Int) bencodeValue()   {}
func (Bytes) bencodeValue() {}
func (List) bencodeValue()  {}
func (*Dict) bencodeValue() {}

// String returns a Bytes value from a string.
func String(s string) Bytes { return Bytes(s) }

// NewDict creates an empty dictionary.
func NewDict() *Dict {
	return &Dict{m: make(map[string]Value)}
}

// Set stores a value under key, keeping the first-insertion order.
func (d *Dict) Set(key string, v Value) {
	if _, ok := d.m[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.m[key] = v
}

// Get returns the value under key, or nil.
func (d *Dict) Get(key string) Value {
	if d == nil {
		return nil
	}
	return d.m[key]
}

// Has reports whether key is present.
func (d *Dict) Has(key string) bool {
	if d == nil {
		return false
	}
	_, ok := d.m[key]
	return ok
}

// Delete removes key if present.
func (d *Dict) Delete(key string) {
	if _, ok := d.m[key]; !ok {
		return
	}
	delete(d.m, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of entries.
func (d *Dict) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns the keys in insertion order.
func (d *Dict) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// GetBytes returns the byte string under key, or nil when absent or of
// another type.
func (d *Dict) GetBytes(key string) []byte {
	b, ok := d.Get(key).(Bytes)
	if !ok {
		return nil
	}
	return []byte(b)
}

// GetString returns the byte string under key as a string.
func (d *Dict) GetString(key string) (string, bool) {
	b, ok := d.Get(key).(Bytes)
	if !ok {
		return "", false
	}
	return string(b), true
}

// GetInt returns the integer under key.
func (d *Dict) GetInt(key string) (int64, bool) {
	i, ok := d.Get(key).(Int)
	if !ok {
		return 0, false
	}
	return int64(i), true
}

// GetDict returns the dictionary under key, or nil.
func (d *Dict) GetDict(key string) *Dict {
	sub, _ := d.Get(key).(*Dict)
	return sub
}

// GetList returns the list under key, or nil.
func (d *Dict) GetList(key string) List {
	l, _ := d.Get(key).(List)
	return l
}

// Encode serialises v into canonical bencoding.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v Value) {
	switch x := v.(type) {
	case Int:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(int64(x), 10))
		buf.WriteByte('e')
	case Bytes:
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.Write(x)
	case List:
		buf.WriteByte('l')
		for _, e := range x {
			encode(buf, e)
		}
		buf.WriteByte('e')
	case *Dict:
		buf.WriteByte('d')
		keys := make([]string, len(x.keys))
		copy(keys, x.keys)
		sort.Strings(keys)
		for _, k := range keys {
			encode(buf, Bytes(k))
			encode(buf, x.m[k])
		}
		buf.WriteByte('e')
	}
}

// Decode parses data as a single bencoded value. The whole input must be
// consumed.
func Decode(data []byte) (Value, error) {
	v, rest, err := decode(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("bencode: %d trailing bytes", len(rest))
	}
	return v, nil
}

func decode(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("bencode: unexpected end of input")
	}
	switch c := data[0]; {
	case c == 'i':
		return decodeInt(data[1:])
	case c >= '0' && c <= '9':
		return decodeBytes(data)
	case c == 'l':
		return decodeList(data[1:])
	case c == 'd':
		return decodeDict(data[1:])
	default:
		return nil, nil, fmt.Errorf("bencode: invalid type prefix %q", c)
	}
}

func decodeInt(data []byte) (Value, []byte, error) {
	end := bytes.IndexByte(data, 'e')
	if end < 0 {
		return nil, nil, fmt.Errorf("bencode: unterminated integer")
	}
	s := string(data[:end])
	if s == "" || s == "-" || s == "-0" {
		return nil, nil, fmt.Errorf("bencode: invalid integer %q", s)
	}
	if s[0] == '0' && len(s) > 1 || len(s) > 2 && s[0] == '-' && s[1] == '0' {
		return nil, nil, fmt.Errorf("bencode: leading zero in integer %q", s)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("bencode: invalid integer %q: %w", s, err)
	}
	return Int(n), data[end+1:], nil
}

func decodeBytes(data []byte) (Value, []byte, error) {
	colon := bytes.IndexByte(data, ':')
	if colon < 0 {
		return nil, nil, fmt.Errorf("bencode: unterminated string length")
	}
	s := string(data[:colon])
	if s[0] == '0' && len(s) > 1 {
		return nil, nil, fmt.Errorf("bencode: leading zero in string length %q", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return nil, nil, fmt.Errorf("bencode: invalid string length %q", s)
	}
	rest := data[colon+1:]
	if len(rest) < n {
		return nil, nil, fmt.Errorf("bencode: string length %d exceeds input", n)
	}
	out := make([]byte, n)
	copy(out, rest[:n])
	return Bytes(out), rest[n:], nil
}

func decodeList(data []byte) (Value, []byte, error) {
	var list List
	for {
		if len(data) == 0 {
			return nil, nil, fmt.Errorf("bencode: unterminated list")
		}
		if data[0] == 'e' {
			return list, data[1:], nil
		}
		v, rest, err := decode(data)
		if err != nil {
			return nil, nil, err
		}
		list = append(list, v)
		data = rest
	}
}

func decodeDict(data []byte) (Value, []byte, error) {
	d := NewDict()
	for {
		if len(data) == 0 {
			return nil, nil, fmt.Errorf("bencode: unterminated dictionary")
		}
		if data[0] == 'e' {
			return d, data[1:], nil
		}
		kv, rest, err := decode(data)
		if err != nil {
			return nil, nil, err
		}
		key, ok := kv.(Bytes)
		if !ok {
			return nil, nil, fmt.Errorf("bencode: dictionary key is not a string")
		}
		v, rest, err := decode(rest)
		if err != nil {
			return nil, nil, err
		}
		d.Set(string(key), v)
		data = rest
	}
}
