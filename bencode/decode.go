package bencode

import (
	"fmt"
	"reflect"
	"strconv"
)

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return "bencode: " + e.msg
}

// Given the target pointer, decode the byte slice into it.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if !val.IsValid() || val.Kind() != reflect.Pointer || val.IsNil() {
		return newDecodeError("expected a non-nil pointer")
	}
	r := newReader(buf)
	out, err := r.readValue(val.Type().Elem())
	if err != nil {
		return err
	}
	if !r.isAtEnd() {
		return newDecodeError("expected to be at end of buffer")
	}
	val.Elem().Set(out)
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) reader {
	return reader{buf: buf}
}

func (r *reader) isAtEnd() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) peek() (byte, error) {
	if r.isAtEnd() {
		return 0, newDecodeError("unexpected end of buffer at pos %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) expectByte(b byte) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

// digits returns the run of ascii digits starting at the current position, optionally preceded by a minus sign.
func (r *reader) digits(allowNeg bool) (string, error) {
	start := r.pos
	if allowNeg && !r.isAtEnd() && r.buf[r.pos] == 0x2d {
		r.pos++
	}
	for !r.isAtEnd() && r.buf[r.pos] >= 0x30 && r.buf[r.pos] <= 0x39 {
		r.pos++
	}
	s := string(r.buf[start:r.pos])
	if s == "" || s == "-" {
		return "", newDecodeError("expected numbers at pos %d", start)
	}
	if s == "-0" {
		return "", newDecodeError("negative 0 not allowed")
	}
	return s, nil
}

func (r *reader) readInt(bits int) (int64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	s, err := r.digits(true)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseInt(s, 10, bits)
	if err != nil {
		return 0, newDecodeError("%s", err.Error())
	}
	return val, r.expectByte(bencodeEnd)
}

func (r *reader) readUint(bits int) (uint64, error) {
	if err := r.expectByte(numberStart); err != nil {
		return 0, err
	}
	s, err := r.digits(false)
	if err != nil {
		return 0, err
	}
	val, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, newDecodeError("%s", err.Error())
	}
	return val, r.expectByte(bencodeEnd)
}

func (r *reader) readBytes() ([]byte, error) {
	s, err := r.digits(false)
	if err != nil {
		return nil, err
	}
	if err := r.expectByte(bytesLengthSep); err != nil {
		return nil, err
	}
	l, err := strconv.Atoi(s)
	if err != nil {
		return nil, newDecodeError("%s", err.Error())
	}
	if l > len(r.buf)-r.pos {
		return nil, newDecodeError("byte string of length %d overruns buffer at pos %d", l, r.pos)
	}
	b := r.buf[r.pos : r.pos+l]
	r.pos += l
	return b, nil
}

func (r *reader) readList(t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	if err := r.expectByte(listStart); err != nil {
		return out, err
	}
	for i := 0; ; i++ {
		c, err := r.peek()
		if err != nil {
			return out, err
		}
		if c == bencodeEnd {
			break
		}
		val, err := r.readValue(t.Elem())
		if err != nil {
			return out, err
		}
		if t.Kind() == reflect.Array {
			if i >= t.Len() {
				return out, newDecodeError("too many elements for %s", t.String())
			}
			out.Index(i).Set(val)
		} else {
			out = reflect.Append(out, val)
		}
	}
	return out, r.expectByte(bencodeEnd)
}

func (r *reader) readValue(t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		num, err := r.readUint(64)
		if err != nil {
			return out, err
		}
		if num > 1 {
			return out, newDecodeError("expected number to be 0 or 1, got %d", num)
		}
		out.SetBool(num == 1)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		num, err := r.readInt(t.Bits())
		if err != nil {
			return out, err
		}
		out.SetInt(num)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		num, err := r.readUint(t.Bits())
		if err != nil {
			return out, err
		}
		out.SetUint(num)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return out, err
		}
		out.SetString(string(b))
	case reflect.Slice:
		if t.Elem().Kind() != reflect.Uint8 {
			return r.readList(t)
		}
		b, err := r.readBytes()
		if err != nil {
			return out, err
		}
		if len(b) > 0 {
			c := make([]byte, len(b))
			copy(c, b)
			out.SetBytes(c)
		}
	case reflect.Array:
		if t.Elem().Kind() != reflect.Uint8 {
			return r.readList(t)
		}
		b, err := r.readBytes()
		if err != nil {
			return out, err
		}
		if len(b) != t.Len() {
			return out, newDecodeError("expected %d bytes for %s, got %d", t.Len(), t.String(), len(b))
		}
		reflect.Copy(out, reflect.ValueOf(b))
	case reflect.Struct:
		if err := r.readStruct(out); err != nil {
			return out, err
		}
	case reflect.Map:
		if err := r.expectByte(dictStart); err != nil {
			return out, err
		}
		for {
			c, err := r.peek()
			if err != nil {
				return out, err
			}
			if c == bencodeEnd {
				break
			}
			keyValue, err := r.readValue(t.Key())
			if err != nil {
				return out, err
			}
			valValue, err := r.readValue(t.Elem())
			if err != nil {
				return out, err
			}
			if out.IsNil() {
				out.Set(reflect.MakeMap(t))
			}
			out.SetMapIndex(keyValue, valValue)
		}
		if err := r.expectByte(bencodeEnd); err != nil {
			return out, err
		}
	case reflect.Pointer:
		elem, err := r.readValue(t.Elem())
		if err != nil {
			return out, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(elem)
		out.Set(p)
	default:
		return out, newDecodeError("unhandled kind %v", t.Kind())
	}
	return out, nil
}

func (r *reader) readStruct(structValue reflect.Value) error {
	if err := r.expectByte(dictStart); err != nil {
		return err
	}

	ty := structValue.Type()
	fields := make(map[string]int)
	for i := 0; i != ty.NumField(); i++ {
		f := ty.Field(i)
		if !f.IsExported() {
			continue
		}
		t := f.Tag.Get(tagName)
		if t == "-" {
			continue
		}
		name, ok := fieldTag(t)
		if !ok {
			return newDecodeError("expected bencode tag on %s.%s", ty.Name(), f.Name)
		}
		fields[name] = i
	}

	last := ""
	for {
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == bencodeEnd {
			break
		}
		key, err := r.readBytes()
		if err != nil {
			return err
		}
		name := string(key)
		if last != "" && name <= last {
			return newDecodeError("key %s out of order after %s", name, last)
		}
		last = name
		idx, ok := fields[name]
		if !ok {
			return newDecodeError("unknown key %s for %s", name, ty.Name())
		}
		val, err := r.readValue(ty.Field(idx).Type)
		if err != nil {
			return err
		}
		structValue.Field(idx).Set(val)
	}

	return r.expectByte(bencodeEnd)
}
