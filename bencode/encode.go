package bencode

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

type sortedValues []reflect.Value

func (s sortedValues) Len() int      { return len(s) }
func (s sortedValues) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s sortedValues) Less(i, j int) bool {
	switch s[i].Kind() {
	case reflect.Array:
		if s[i].Type().Elem().Kind() != reflect.Uint8 {
			panic(fmt.Sprintf("cannot sort a elem type of %#v", s[i].Type().Elem().Kind()))
		}
		l := s[i].Len()
		for x := 0; x != l; x++ {
			ei := s[i].Index(x).Uint()
			ej := s[j].Index(x).Uint()
			if ei != ej {
				return ei < ej
			}
		}
		return false
	case reflect.String:
		return s[i].String() < s[j].String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return s[i].Int() < s[j].Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return s[i].Uint() < s[j].Uint()
	default:
		panic(fmt.Sprintf("cannot sort a type of %#v", s[i].Kind()))
	}
}

// Serialize a ptr to a bencode-encoded byte-slice.
func Serialize(s interface{}) ([]byte, error) {
	val := reflect.ValueOf(s)
	if !val.IsValid() || val.Kind() != reflect.Ptr {
		return nil, errors.New("bencode: expected a pointer")
	}
	if val.IsNil() {
		return nil, errors.New("bencode: cannot serialize a nil pointer")
	}
	w := newWriter()
	if err := w.writeValue(val.Elem()); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf bytes.Buffer
}

func newWriter() writer {
	return writer{}
}

func (w *writer) writeByte(b byte) error {
	return w.buf.WriteByte(b)
}

func (w *writer) writeBytes(b []byte) error {
	if _, err := w.buf.WriteString(strconv.Itoa(len(b))); err != nil {
		return err
	}
	if err := w.buf.WriteByte(bytesLengthSep); err != nil {
		return err
	}
	_, err := w.buf.Write(b)
	return err
}

func (w *writer) writeSignedNumber(n int64) error {
	if err := w.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(strconv.FormatInt(n, 10)); err != nil {
		return err
	}
	return w.writeByte(bencodeEnd)
}

func (w *writer) writeUnsignedNumber(n uint64) error {
	if err := w.buf.WriteByte(numberStart); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(strconv.FormatUint(n, 10)); err != nil {
		return err
	}
	return w.writeByte(bencodeEnd)
}

func (w *writer) writeList(v reflect.Value) error {
	if err := w.writeByte(listStart); err != nil {
		return err
	}
	for i := 0; i != v.Len(); i++ {
		if err := w.writeValue(v.Index(i)); err != nil {
			return err
		}
	}
	return w.writeByte(bencodeEnd)
}

func (w *writer) writeValue(v reflect.Value) error {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			return w.writeUnsignedNumber(1)
		}
		return w.writeUnsignedNumber(0)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return w.writeSignedNumber(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return w.writeUnsignedNumber(v.Uint())
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]uint8, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return w.writeBytes(b)
		}
		return w.writeList(v)
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return w.writeBytes(v.Bytes())
		}
		return w.writeList(v)
	case reflect.String:
		return w.writeBytes([]byte(v.String()))
	case reflect.Struct:
		return w.writeStruct(v)
	case reflect.Map:
		if err := w.writeByte(dictStart); err != nil {
			return err
		}
		keys := v.MapKeys()
		sort.Sort(sortedValues(keys))
		for _, k := range keys {
			if err := w.writeValue(k); err != nil {
				return err
			}
			if err := w.writeValue(v.MapIndex(k)); err != nil {
				return err
			}
		}
		return w.writeByte(bencodeEnd)
	case reflect.Pointer:
		if v.IsNil() {
			return errors.New("bencode: cannot write a nil pointer outside of a struct field")
		}
		return w.writeValue(v.Elem())
	default:
		return fmt.Errorf("bencode: unrecognized value type %s", v.Kind().String())
	}
}

func (w *writer) writeStruct(structValue reflect.Value) error {
	if err := w.writeByte(dictStart); err != nil {
		return err
	}

	ty := structValue.Type()
	fields := make(map[string]int)
	names := make([]string, 0, ty.NumField())
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
			return fmt.Errorf("bencode: expected bencode tag on %s.%s", ty.Name(), f.Name)
		}
		if _, dup := fields[name]; dup {
			return fmt.Errorf("bencode: duplicate tag %s on %s", name, ty.Name())
		}
		fields[name] = i
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		field := structValue.Field(fields[name])
		if field.Kind() == reflect.Pointer && field.IsNil() {
			continue
		}
		if err := w.writeBytes([]byte(name)); err != nil {
			return err
		}
		if err := w.writeValue(field); err != nil {
			return fmt.Errorf("bencode: field %s: %w", name, err)
		}
	}
	return w.writeByte(bencodeEnd)
}
