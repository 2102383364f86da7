// Package tlv8 implements the TLV8 encoding used by HAP pairing messages and
// tlv8 characteristic values.
//
// Struct fields are mapped to items with a `tlv:"XX[,omitempty]"` tag where
// XX is the item type in hex. Unsigned integers are little-endian with
// leading zero bytes dropped, strings and byte slices are raw. Values longer
// than 255 bytes are split into consecutive fragments of the same type.
package tlv8

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"sync"
)

var (
	ErrMalformat       = errors.New("tlv8: malformat")
	ErrIntegerOverflow = errors.New("tlv8: integer overflow")
)

const fragmentSize = 255

// Item is a tlv8 item with its fragments joined.
type Item struct {
	Type  uint8
	Value []byte
}

// Reader splits a tlv8 stream into items.
type Reader struct {
	r io.Reader
	// hdr holds the header of the next fragment once it has been read.
	hdr     [2]byte
	pending bool
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// header reads the next fragment header. It returns io.EOF only at a clean
// item boundary.
func (r *Reader) header() error {
	if r.pending {
		return nil
	}
	switch n, err := io.ReadFull(r.r, r.hdr[:]); {
	case err == io.EOF:
		return io.EOF
	case err != nil && n > 0:
		return ErrMalformat
	case err != nil:
		return err
	}
	r.pending = true
	return nil
}

// fragment consumes the pending header and its value.
func (r *Reader) fragment(dst []byte) ([]byte, error) {
	r.pending = false
	n := len(dst)
	dst = append(dst, make([]byte, r.hdr[1])...)
	if _, err := io.ReadFull(r.r, dst[n:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrMalformat
		}
		return nil, err
	}
	return dst, nil
}

// Next returns the next item, joining its fragments. It returns io.EOF at the
// end of the stream and ErrMalformat for a truncated one.
func (r *Reader) Next() (*Item, error) {
	if err := r.header(); err != nil {
		return nil, err
	}
	item := &Item{Type: r.hdr[0]}
	var err error
	if item.Value, err = r.fragment([]byte{}); err != nil {
		return nil, err
	}
	for len(item.Value)%fragmentSize == 0 && len(item.Value) > 0 {
		switch err := r.header(); {
		case err == io.EOF:
			return item, nil
		case err != nil:
			return nil, err
		}
		if r.hdr[0] != item.Type {
			break
		}
		if item.Value, err = r.fragment(item.Value); err != nil {
			return nil, err
		}
	}
	return item, nil
}

// appendItem appends typ and v to dst, fragmenting v as needed. An empty v
// yields a single zero-length item.
func appendItem(dst []byte, typ byte, v []byte) []byte {
	for {
		n := min(len(v), fragmentSize)
		dst = append(dst, typ, byte(n))
		dst = append(dst, v[:n]...)
		v = v[n:]
		if len(v) == 0 {
			return dst
		}
	}
}

func decodeUint(data []byte) (uint64, error) {
	if len(data) > 8 {
		return 0, ErrIntegerOverflow
	}
	var x uint64
	for i, b := range data {
		x |= uint64(b) << (i * 8)
	}
	return x, nil
}

func appendUint(dst []byte, x uint64) []byte {
	for ; x > 0; x >>= 8 {
		dst = append(dst, byte(x))
	}
	return dst
}

// Validate reports whether data is a well-formed tlv8 stream.
func Validate(data []byte) error {
	r := NewReader(bytes.NewReader(data))
	for {
		switch _, err := r.Next(); {
		case err == io.EOF:
			return nil
		case err != nil:
			return err
		}
	}
}

type field struct {
	typ       byte
	index     []int
	omitEmpty bool
}

// fields caches the tagged fields of each struct type.
var fields sync.Map // reflect.Type -> []field

func fieldsOf(rt reflect.Type) ([]field, error) {
	if fs, ok := fields.Load(rt); ok {
		return fs.([]field), nil
	}
	var fs []field
	for _, rf := range reflect.VisibleFields(rt) {
		if rf.Anonymous {
			continue
		}
		name, opts, _ := strings.Cut(rf.Tag.Get("tlv"), ",")
		typ, err := strconv.ParseUint(name, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("tlv8: %s.%s: bad tag: %w", rt.Name(), rf.Name, err)
		}
		fs = append(fs, field{typ: byte(typ), index: rf.Index, omitEmpty: opts == "omitempty"})
	}
	fields.Store(rt, fs)
	return fs, nil
}

func structValue(p any, needPtr bool) (reflect.Value, error) {
	rv := reflect.ValueOf(p)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	} else if needPtr {
		return reflect.Value{}, errors.New("tlv8: not a pointer")
	}
	if rv.Kind() != reflect.Struct {
		return reflect.Value{}, errors.New("tlv8: not a struct")
	}
	return rv, nil
}

// Unmarshal decodes a tlv8 stream into the struct pointed to by p. Items with
// no matching field are skipped.
func Unmarshal(data []byte, p any) error {
	rv, err := structValue(p, true)
	if err != nil {
		return err
	}
	fs, err := fieldsOf(rv.Type())
	if err != nil {
		return err
	}
	byType := make(map[byte][]int, len(fs))
	for _, f := range fs {
		byType[f.typ] = f.index
	}
	r := NewReader(bytes.NewReader(data))
	for {
		item, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if idx, ok := byType[item.Type]; ok {
			if err := decodeValue(rv.FieldByIndex(idx), item.Value); err != nil {
				return err
			}
		}
	}
}

func decodeValue(v reflect.Value, b []byte) error {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		x, err := decodeUint(b)
		if err != nil {
			return err
		}
		if v.OverflowUint(x) {
			return ErrIntegerOverflow
		}
		v.SetUint(x)
	case reflect.String:
		v.SetString(string(b))
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Uint8 {
			return fmt.Errorf("tlv8: cannot decode into %s", v.Type())
		}
		v.SetBytes(b)
	default:
		return fmt.Errorf("tlv8: unsupported type: %s", v.Type())
	}
	return nil
}

// Marshal encodes the struct p (or pointer to struct) as a tlv8 stream in
// field order. A slice of structs is encoded as a list: the members' items,
// separated by an empty item of the field's type.
func Marshal(p any) ([]byte, error) {
	return appendStruct(nil, p)
}

func appendStruct(dst []byte, p any) ([]byte, error) {
	rv, err := structValue(p, false)
	if err != nil {
		return nil, err
	}
	fs, err := fieldsOf(rv.Type())
	if err != nil {
		return nil, err
	}
	for _, f := range fs {
		v := rv.FieldByIndex(f.index)
		if f.omitEmpty && v.IsZero() {
			continue
		}
		switch v.Kind() {
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			dst = appendItem(dst, f.typ, appendUint(nil, v.Uint()))
		case reflect.String:
			dst = appendItem(dst, f.typ, []byte(v.String()))
		case reflect.Slice:
			if v.Type().Elem().Kind() == reflect.Uint8 {
				dst = appendItem(dst, f.typ, v.Bytes())
				break
			}
			for i := range v.Len() {
				if i > 0 {
					dst = appendItem(dst, f.typ, nil)
				}
				if dst, err = appendStruct(dst, v.Index(i).Interface()); err != nil {
					return nil, err
				}
			}
		default:
			return nil, fmt.Errorf("tlv8: unsupported type: %s", v.Type())
		}
	}
	return dst, nil
}
