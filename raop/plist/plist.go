// Package plist implements the subset of Apple's binary property list
// format (bplist00) used by AirPlay 2 SETUP, /info and /playback-info
// messages: dictionaries, arrays, strings, data, booleans, integers and
// reals. It is not a general-purpose plist library.
package plist

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

const magic = "bplist00"

// Dict is a property list dictionary; Marshal writes its keys in sorted
// order. Keys are always strings, as used throughout the AirPlay wire
// format.
type Dict map[string]any

// Marshal encodes a Go value (Dict, []any, string, []byte, bool, any
// integer type, float64, or nil) as a binary property list.
func Marshal(v any) ([]byte, error) {
	e := &encoder{
		uniqueObjs: make(map[any]int),
	}
	root := e.addObject(v)
	return e.finish(root)
}

type encoder struct {
	objects    [][]byte
	uniqueObjs map[any]int
}

func (e *encoder) addObject(v any) int {
	if key, ok := uniqueKey(v); ok {
		if idx, exists := e.uniqueObjs[key]; exists {
			return idx
		}
		idx := e.encodeValue(v)
		e.uniqueObjs[key] = idx
		return idx
	}
	return e.encodeValue(v)
}

// uniqueKey returns a hashable representation for interning simple
// scalars (strings, bools, nil); composite values are never interned.
func uniqueKey(v any) (any, bool) {
	switch v.(type) {
	case string, bool, nil:
		return v, true
	}
	return nil, false
}

func (e *encoder) reserve() int {
	e.objects = append(e.objects, nil)
	return len(e.objects) - 1
}

func (e *encoder) set(idx int, data []byte) {
	e.objects[idx] = data
}

func (e *encoder) encodeValue(v any) int {
	switch val := v.(type) {
	case nil:
		idx := e.reserve()
		e.set(idx, []byte{0x00})
		return idx
	case bool:
		idx := e.reserve()
		if val {
			e.set(idx, []byte{0x09})
		} else {
			e.set(idx, []byte{0x08})
		}
		return idx
	case string:
		idx := e.reserve()
		e.set(idx, encodeString(val))
		return idx
	case []byte:
		idx := e.reserve()
		e.set(idx, encodeData(val))
		return idx
	case float64:
		idx := e.reserve()
		e.set(idx, encodeReal(val))
		return idx
	case int:
		return e.encodeValue(int64(val))
	case int8:
		return e.encodeValue(int64(val))
	case int16:
		return e.encodeValue(int64(val))
	case int32:
		return e.encodeValue(int64(val))
	case uint:
		return e.encodeValue(uint64(val))
	case uint8:
		return e.encodeValue(int64(val))
	case uint16:
		return e.encodeValue(int64(val))
	case uint32:
		return e.encodeValue(int64(val))
	case int64:
		idx := e.reserve()
		e.set(idx, encodeInt(val))
		return idx
	case uint64:
		idx := e.reserve()
		e.set(idx, encodeInt(int64(val)))
		return idx
	case []any:
		idx := e.reserve()
		refs := make([]int, len(val))
		for i, item := range val {
			refs[i] = e.addObject(item)
		}
		e.set(idx, e.encodeRefList(0xA, refs))
		return idx
	case Dict:
		return e.encodeDict(val)
	case map[string]any:
		return e.encodeDict(Dict(val))
	default:
		idx := e.reserve()
		e.set(idx, []byte{0x00})
		return idx
	}
}

func (e *encoder) encodeDict(d Dict) int {
	idx := e.reserve()

	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	keyRefs := make([]int, len(keys))
	valRefs := make([]int, len(keys))
	for i, k := range keys {
		keyRefs[i] = e.addObject(k)
		valRefs[i] = e.addObject(d[k])
	}

	var buf bytes.Buffer
	buf.Write(marker(0xD, len(keys)))
	for _, r := range keyRefs {
		writeRef(&buf, r)
	}
	for _, r := range valRefs {
		writeRef(&buf, r)
	}
	e.set(idx, buf.Bytes())
	return idx
}

func (e *encoder) encodeRefList(typeTag byte, refs []int) []byte {
	var buf bytes.Buffer
	buf.Write(marker(typeTag, len(refs)))
	for _, r := range refs {
		writeRef(&buf, r)
	}
	return buf.Bytes()
}

// writeRef writes an object reference. Since finish() always uses 4-byte
// refs (simplest uniform choice for the small object counts these
// messages carry), refs are written big-endian 32-bit here too.
func writeRef(buf *bytes.Buffer, ref int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(ref))
	buf.Write(b[:])
}

func marker(typeTag byte, count int) []byte {
	if count < 0xF {
		return []byte{(typeTag << 4) | byte(count)}
	}
	lenObj := encodeInt(int64(count))
	out := []byte{(typeTag << 4) | 0xF}
	return append(out, lenObj...)
}

func encodeString(s string) []byte {
	for _, r := range s {
		if r > 0x7F {
			return encodeUnicodeString(s)
		}
	}
	out := marker(0x5, len(s))
	return append(out, []byte(s)...)
}

func encodeUnicodeString(s string) []byte {
	runes := []rune(s)
	out := marker(0x6, len(runes))
	for _, r := range runes {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(r))
		out = append(out, b[:]...)
	}
	return out
}

func encodeData(b []byte) []byte {
	out := marker(0x4, len(b))
	return append(out, b...)
}

func encodeReal(f float64) []byte {
	out := []byte{0x23}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
	return append(out, b[:]...)
}

func encodeInt(v int64) []byte {
	// Always emit 8-byte integers: simplest uniform width, and nothing
	// in this wire format needs the compact 1/2/4-byte forms.
	out := []byte{0x13}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(out, b[:]...)
}

func (e *encoder) finish(rootIdx int) ([]byte, error) {
	var out bytes.Buffer
	out.WriteString(magic)

	offsets := make([]int, len(e.objects))
	for i, obj := range e.objects {
		offsets[i] = out.Len()
		out.Write(obj)
	}

	offsetTableOffset := out.Len()
	offsetSize := byteWidthFor(out.Len())
	for _, off := range offsets {
		writeUint(&out, uint64(off), offsetSize)
	}

	var trailer [32]byte
	trailer[6] = byte(offsetSize)
	trailer[7] = 4 // object ref size, matches writeRef
	binary.BigEndian.PutUint64(trailer[8:16], uint64(len(e.objects)))
	binary.BigEndian.PutUint64(trailer[16:24], uint64(rootIdx))
	binary.BigEndian.PutUint64(trailer[24:32], uint64(offsetTableOffset))
	out.Write(trailer[:])

	return out.Bytes(), nil
}

func byteWidthFor(maxOffset int) int {
	switch {
	case maxOffset < 1<<8:
		return 1
	case maxOffset < 1<<16:
		return 2
	case maxOffset < 1<<32:
		return 4
	default:
		return 8
	}
}

func writeUint(buf *bytes.Buffer, v uint64, width int) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[8-width:])
}

// Unmarshal decodes a binary property list into Dict/[]any/string/[]byte/
// bool/int64/float64/nil values, mirroring the subset Marshal produces.
func Unmarshal(data []byte) (any, error) {
	if len(data) < len(magic)+32 || string(data[:len(magic)]) != magic {
		return nil, fmt.Errorf("plist: not a binary plist")
	}

	trailer := data[len(data)-32:]
	offsetSize := int(trailer[6])
	objRefSize := int(trailer[7])
	numObjects := binary.BigEndian.Uint64(trailer[8:16])
	topObject := binary.BigEndian.Uint64(trailer[16:24])
	offsetTableOffset := binary.BigEndian.Uint64(trailer[24:32])

	d := &decoder{
		data:               data,
		offsetSize:         offsetSize,
		objRefSize:         objRefSize,
		offsetTableOffset:  int(offsetTableOffset),
		numObjects:         int(numObjects),
	}
	return d.readObject(int(topObject))
}

type decoder struct {
	data              []byte
	offsetSize        int
	objRefSize        int
	offsetTableOffset int
	numObjects        int
}

func (d *decoder) objectOffset(index int) int {
	start := d.offsetTableOffset + index*d.offsetSize
	return int(readUint(d.data[start:start+d.offsetSize]))
}

func readUint(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = (v << 8) | uint64(c)
	}
	return v
}

func (d *decoder) readRef(b []byte) int {
	return int(readUint(b[:d.objRefSize]))
}

func (d *decoder) readObject(index int) (any, error) {
	if index < 0 || index >= d.numObjects {
		return nil, fmt.Errorf("plist: object index %d out of range", index)
	}
	off := d.objectOffset(index)
	marker := d.data[off]
	typeTag := marker >> 4
	lowNibble := marker & 0xF

	switch typeTag {
	case 0x0:
		switch lowNibble {
		case 0x8:
			return false, nil
		case 0x9:
			return true, nil
		default:
			return nil, nil
		}
	case 0x1: // int
		n := 1 << lowNibble
		return int64(readUint(d.data[off+1 : off+1+n])), nil
	case 0x2: // real
		n := 1 << lowNibble
		bits := readUint(d.data[off+1 : off+1+n])
		if n == 4 {
			return float64(math.Float32frombits(uint32(bits))), nil
		}
		return math.Float64frombits(bits), nil
	case 0x4: // data
		count, dataOff := d.readCount(off, lowNibble)
		return append([]byte(nil), d.data[dataOff:dataOff+count]...), nil
	case 0x5: // ASCII string
		count, dataOff := d.readCount(off, lowNibble)
		return string(d.data[dataOff : dataOff+count]), nil
	case 0x6: // UTF-16 string
		count, dataOff := d.readCount(off, lowNibble)
		runes := make([]rune, count)
		for i := 0; i < count; i++ {
			runes[i] = rune(binary.BigEndian.Uint16(d.data[dataOff+2*i:]))
		}
		return string(runes), nil
	case 0xA: // array
		count, dataOff := d.readCount(off, lowNibble)
		out := make([]any, count)
		for i := 0; i < count; i++ {
			ref := d.readRef(d.data[dataOff+i*d.objRefSize:])
			v, err := d.readObject(ref)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case 0xD: // dict
		count, dataOff := d.readCount(off, lowNibble)
		keyRefsOff := dataOff
		valRefsOff := dataOff + count*d.objRefSize
		out := make(Dict, count)
		for i := 0; i < count; i++ {
			keyRef := d.readRef(d.data[keyRefsOff+i*d.objRefSize:])
			valRef := d.readRef(d.data[valRefsOff+i*d.objRefSize:])
			key, err := d.readObject(keyRef)
			if err != nil {
				return nil, err
			}
			val, err := d.readObject(valRef)
			if err != nil {
				return nil, err
			}
			keyStr, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("plist: non-string dict key")
			}
			out[keyStr] = val
		}
		return out, nil
	default:
		return nil, fmt.Errorf("plist: unsupported object marker 0x%X", marker)
	}
}

// readCount returns the element/byte count for a collection/string/data
// object and the offset where its payload begins, handling the extended
// integer-length form used when the low nibble is 0xF.
func (d *decoder) readCount(off int, lowNibble byte) (count int, dataOff int) {
	if lowNibble < 0xF {
		return int(lowNibble), off + 1
	}
	lenMarker := d.data[off+1]
	n := 1 << (lenMarker & 0xF)
	count = int(readUint(d.data[off+2 : off+2+n]))
	return count, off + 2 + n
}
