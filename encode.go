package dbus

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"reflect"
	"sync"
)

// Marshal returns the DBus wire encoding of v, using byte order ord.
//
// Marshal traverses v using reflection, following the same type
// mapping as [Unmarshal]. It does not consult [Marshaler]; a value
// whose type or pointer type has MarshalDBus(bs, ord), AlignDBus and
// SignatureDBus methods is encoded by its own MarshalDBus. It is
// meant for simple standalone encoding of plain Go
// values, not for the header/body framing a live connection needs
// (see the internal encoderFor, used by Conn, for that).
func Marshal(v any, ord binary.AppendByteOrder) ([]byte, error) {
	return MarshalAppend(nil, v, ord)
}

// MarshalAppend is like [Marshal], but appends to and returns bs.
func MarshalAppend(bs []byte, v any, ord binary.AppendByteOrder) ([]byte, error) {
	val := reflect.ValueOf(v)
	enc, err := typeEncoder(val.Type())
	if err != nil {
		return nil, err
	}
	st := encodeState{ord, 0, bs}
	if err := enc(&st, val); err != nil {
		return nil, err
	}
	return st.raw, nil
}

type encodeState struct {
	ord    binary.AppendByteOrder
	offset int
	raw    []byte
}

func (e *encodeState) pad(align int) {
	extra := e.offset % align
	if extra == 0 {
		return
	}
	n := align - extra
	e.raw = append(e.raw, make([]byte, n)...)
	e.offset += n
}

func (e *encodeState) write(bs []byte) {
	e.raw = append(e.raw, bs...)
	e.offset += len(bs)
}

func (e *encodeState) marshalUint8(u8 uint8) {
	e.write([]byte{u8})
}

func (e *encodeState) marshalUint16(u16 uint16) {
	e.pad(2)
	e.raw = e.ord.AppendUint16(e.raw, u16)
	e.offset += 2
}

func (e *encodeState) marshalUint32(u32 uint32) {
	e.pad(4)
	e.raw = e.ord.AppendUint32(e.raw, u32)
	e.offset += 4
}

func (e *encodeState) marshalUint64(u64 uint64) {
	e.pad(8)
	e.raw = e.ord.AppendUint64(e.raw, u64)
	e.offset += 8
}

type encoderFunc func(*encodeState, reflect.Value) error

var simpleEncoderCache sync.Map

const debugEncoders = false

func debugEncoder(msg string, args ...any) {
	if !debugEncoders {
		return
	}
	log.Printf(msg, args...)
}

func typeEncoder(t reflect.Type) (ret encoderFunc, err error) {
	debugEncoder("typeEncoder(%s)", t)
	defer debugEncoder("end typeEncoder(%s)", t)
	if cached, loaded := simpleEncoderCache.LoadOrStore(t, nil); loaded {
		if cached == nil {
			err := unrepresentable(t, "recursive type")
			simpleEncoderCache.CompareAndSwap(t, nil, err)
			return nil, err
		}
		if err, ok := cached.(error); ok {
			return nil, err
		}
		debugEncoder("%s{} (cached)", t)
		return cached.(encoderFunc), nil
	}

	defer func() {
		if err != nil {
			simpleEncoderCache.CompareAndSwap(t, nil, err)
		} else {
			simpleEncoderCache.CompareAndSwap(t, nil, ret)
		}
	}()

	return deriveTypeEncoder(t)
}

// legacyMarshaler is an older, simpler marshaling contract than
// [Marshaler]: it has no access to a connection (and so cannot carry
// file descriptors or a sender), and appends its encoding directly to
// a byte slice rather than going through an Encoder.
type legacyMarshaler interface {
	SignatureDBus() Signature
	AlignDBus() int
	MarshalDBus(bs []byte, ord binary.AppendByteOrder) ([]byte, error)
}

var legacyMarshalerType = reflect.TypeFor[legacyMarshaler]()

// legacyMarshalAlign reports the alignment a legacyMarshaler
// implementation declares for itself, if t or *t implements the
// interface.
func legacyMarshalAlign(t reflect.Type) (int, bool) {
	if t.Implements(legacyMarshalerType) {
		return reflect.Zero(t).Interface().(legacyMarshaler).AlignDBus(), true
	}
	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(legacyMarshalerType) {
		return reflect.New(t).Interface().(legacyMarshaler).AlignDBus(), true
	}
	return 0, false
}

func deriveTypeEncoder(t reflect.Type) (encoderFunc, error) {
	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(legacyMarshalerType) {
		return newCondAddrMarshalEncoder(t), nil
	} else if t.Implements(legacyMarshalerType) {
		return newLegacyMarshalEncoder(), nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return newPtrEncoder(t)
	case reflect.Bool:
		return newBoolEncoder(), nil
	case reflect.Int, reflect.Uint:
		return nil, unrepresentable(t, "int and uint aren't portable, use fixed width integers")
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return newIntEncoder(t), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return newUintEncoder(t), nil
	case reflect.Float32, reflect.Float64:
		return newFloatEncoder(), nil
	case reflect.String:
		return newStringEncoder(), nil
	case reflect.Slice, reflect.Array:
		return newSliceEncoder(t)
	case reflect.Struct:
		return newStructEncoder(t)
	case reflect.Map:
		return newMapEncoder(t)
	}
	return nil, unrepresentable(t, "no known mapping")
}

func newCondAddrMarshalEncoder(t reflect.Type) encoderFunc {
	ptrEnc := newLegacyMarshalEncoder()
	if t.Implements(legacyMarshalerType) {
		valEnc := newLegacyMarshalEncoder()
		return func(st *encodeState, v reflect.Value) error {
			if v.CanAddr() {
				return ptrEnc(st, v.Addr())
			}
			return valEnc(st, v)
		}
	}
	return func(st *encodeState, v reflect.Value) error {
		if !v.CanAddr() {
			return unrepresentable(t, "Marshaler is only implemented on pointer receiver, and cannot take the address of given value")
		}
		return ptrEnc(st, v.Addr())
	}
}

func newLegacyMarshalEncoder() encoderFunc {
	return func(st *encodeState, v reflect.Value) error {
		m := v.Interface().(legacyMarshaler)
		st.pad(m.AlignDBus())
		bs, err := m.MarshalDBus(st.raw, st.ord)
		if err != nil {
			return err
		}
		st.offset += len(bs) - len(st.raw)
		st.raw = bs
		return nil
	}
}

func newPtrEncoder(t reflect.Type) (encoderFunc, error) {
	debugEncoder("ptr{%s}", t.Elem())
	elemEnc, err := typeEncoder(t.Elem())
	if err != nil {
		return nil, err
	}
	return func(st *encodeState, v reflect.Value) error {
		if v.IsNil() {
			return elemEnc(st, reflect.Zero(t.Elem()))
		}
		return elemEnc(st, v.Elem())
	}, nil
}

func newBoolEncoder() encoderFunc {
	debugEncoder("bool{}")
	return func(st *encodeState, v reflect.Value) error {
		st.pad(4)
		val := uint32(0)
		if v.Bool() {
			val = 1
		}
		st.marshalUint32(val)
		return nil
	}
}

func newIntEncoder(t reflect.Type) encoderFunc {
	switch t.Size() {
	case 1:
		debugEncoder("int8{}")
		return func(st *encodeState, v reflect.Value) error {
			st.marshalUint8(byte(v.Int()))
			return nil
		}
	case 2:
		debugEncoder("int16{}")
		return func(st *encodeState, v reflect.Value) error {
			st.marshalUint16(uint16(v.Int()))
			return nil
		}
	case 4:
		debugEncoder("int32{}")
		return func(st *encodeState, v reflect.Value) error {
			st.marshalUint32(uint32(v.Int()))
			return nil
		}
	case 8:
		debugEncoder("int64{}")
		return func(st *encodeState, v reflect.Value) error {
			st.marshalUint64(uint64(v.Int()))
			return nil
		}
	default:
		panic("invalid newIntEncoder type")
	}
}

func newUintEncoder(t reflect.Type) encoderFunc {
	switch t.Size() {
	case 1:
		debugEncoder("uint8{}")
		return func(st *encodeState, v reflect.Value) error {
			st.marshalUint8(uint8(v.Uint()))
			return nil
		}
	case 2:
		debugEncoder("uint16{}")
		return func(st *encodeState, v reflect.Value) error {
			st.marshalUint16(uint16(v.Uint()))
			return nil
		}
	case 4:
		debugEncoder("uint32{}")
		return func(st *encodeState, v reflect.Value) error {
			st.marshalUint32(uint32(v.Uint()))
			return nil
		}
	case 8:
		debugEncoder("uint64{}")
		return func(st *encodeState, v reflect.Value) error {
			st.marshalUint64(v.Uint())
			return nil
		}
	default:
		panic("invalid newUintEncoder type")
	}
}

func newFloatEncoder() encoderFunc {
	debugEncoder("float64{}")
	return func(st *encodeState, v reflect.Value) error {
		st.pad(8)
		st.marshalUint64(math.Float64bits(v.Float()))
		return nil
	}
}

func newStringEncoder() encoderFunc {
	debugEncoder("string{}")
	return func(st *encodeState, v reflect.Value) error {
		s := v.String()
		st.pad(4)
		st.marshalUint32(uint32(len(s)))
		st.write([]byte(s))
		st.marshalUint8(0)
		return nil
	}
}

func newSliceEncoder(t reflect.Type) (encoderFunc, error) {
	if t.Elem().Kind() == reflect.Uint8 {
		debugEncoder("[]byte{}")
		return func(st *encodeState, v reflect.Value) error {
			bs := v.Bytes()
			st.pad(4)
			st.marshalUint32(uint32(len(bs)))
			st.write(bs)
			return nil
		}, nil
	}

	debugEncoder("[]%s{}", t.Elem())
	elemEnc, err := typeEncoder(t.Elem())
	if err != nil {
		return nil, err
	}

	return func(st *encodeState, v reflect.Value) error {
		ln := v.Len()
		st.pad(4)
		st.marshalUint32(uint32(ln))
		st.pad(arrayPad(t.Elem()))
		for i := 0; i < ln; i++ {
			if err := elemEnc(st, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func arrayPad(elem reflect.Type) int {
	if align, ok := legacyMarshalAlign(elem); ok {
		return align
	}
	switch elem.Kind() {
	case reflect.Int8, reflect.Uint8:
		return 1
	case reflect.Int16, reflect.Uint16:
		return 2
	case reflect.Bool, reflect.Int32, reflect.Uint32, reflect.Slice, reflect.Array, reflect.String:
		return 4
	case reflect.Int64, reflect.Uint64, reflect.Float32, reflect.Float64, reflect.Struct:
		return 8
	default:
		panic(fmt.Sprintf("missing array pad value for %s", elem))
	}
}

type simpleStructFieldEncoder struct {
	idx []int
	enc encoderFunc
}

type simpleStructEncoder []simpleStructFieldEncoder

func (fs simpleStructEncoder) encode(st *encodeState, v reflect.Value) error {
	st.pad(8)

	for _, f := range fs {
		fv := v.FieldByIndex(f.idx)
		if err := f.enc(st, fv); err != nil {
			return err
		}
	}
	return nil
}

func newStructEncoder(t reflect.Type) (encoderFunc, error) {
	debugEncoder("%s{}", t)
	ret := simpleStructEncoder{}
	for _, f := range reflect.VisibleFields(t) {
		if f.Anonymous || !f.IsExported() {
			continue
		}
		debugEncoder("%s.%s{%s}", t, f.Name, f.Type)
		fEnc, err := typeEncoder(f.Type)
		if err != nil {
			return nil, err
		}
		ret = append(ret, simpleStructFieldEncoder{f.Index, fEnc})
	}
	if len(ret) == 0 {
		return nil, unrepresentable(t, "no exported struct fields")
	}
	return ret.encode, nil
}

func newMapEncoder(t reflect.Type) (encoderFunc, error) {
	debugEncoder("map[%s]%s{}", t.Key(), t.Elem())
	kt := t.Key()
	switch kt.Kind() {
	case reflect.Bool, reflect.Int8, reflect.Uint8, reflect.Int16, reflect.Uint16, reflect.Int32, reflect.Uint32, reflect.Int64, reflect.Uint64, reflect.Float32, reflect.Float64, reflect.String:
	default:
		return nil, unrepresentable(t, fmt.Sprintf("unrepresentable map key type %s", kt))
	}
	kEnc, err := typeEncoder(kt)
	if err != nil {
		return nil, err
	}
	vt := t.Elem()
	vEnc, err := typeEncoder(vt)
	if err != nil {
		return nil, err
	}

	return func(st *encodeState, v reflect.Value) error {
		ln := v.Len()
		st.pad(4)
		st.marshalUint32(uint32(ln))
		st.pad(8)
		iter := v.MapRange()
		for iter.Next() {
			st.pad(8)
			if err := kEnc(st, iter.Key()); err != nil {
				return err
			}
			if err := vEnc(st, iter.Value()); err != nil {
				return err
			}
		}
		return nil
	}, nil
}
