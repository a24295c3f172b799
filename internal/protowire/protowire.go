// Package protowire implements a minimal protobuf wire-format codec.
// The Quilt cloud API does not publish .proto definitions, so messages are
// decoded into raw fields and re-encoded field by field, mirroring what was
// observed in captures of the official app.
package protowire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Wire types used by the Quilt API. Groups (3/4) never appear.
const (
	TypeVarint  = 0
	TypeFixed64 = 1
	TypeBytes   = 2
	TypeFixed32 = 5
)

var (
	ErrTruncated   = errors.New("truncated message")
	ErrInvalidWire = errors.New("invalid wire data")
)

// Field is one decoded key/value pair. Varint values are stored in Uint;
// everything else is stored in Bytes.
type Field struct {
	Number int
	Type   int
	Uint   uint64
	Bytes  []byte
}

// String interprets a length-delimited field as UTF-8.
func (f Field) String() string {
	return string(f.Bytes)
}

// Float32 interprets a fixed32 field as a little-endian IEEE float.
func (f Field) Float32() (float64, error) {
	if f.Type != TypeFixed32 || len(f.Bytes) != 4 {
		return 0, fmt.Errorf("field %d: not a fixed32: %w", f.Number, ErrInvalidWire)
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(f.Bytes))), nil
}

// Float64 interprets a fixed64 field as a little-endian IEEE double.
func (f Field) Float64() (float64, error) {
	if f.Type != TypeFixed64 || len(f.Bytes) != 8 {
		return 0, fmt.Errorf("field %d: not a fixed64: %w", f.Number, ErrInvalidWire)
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(f.Bytes)), nil
}

func readVarint(data []byte, offset int) (uint64, int, error) {
	var result uint64
	var shift uint
	for {
		if offset >= len(data) {
			return 0, 0, fmt.Errorf("varint: %w", ErrTruncated)
		}
		b := data[offset]
		offset++
		result |= uint64(b&0x7F) << shift
		if b&0x80 == 0 {
			return result, offset, nil
		}
		shift += 7
		if shift > 70 {
			return 0, 0, fmt.Errorf("varint too long: %w", ErrInvalidWire)
		}
	}
}

// Decode splits a message into its top-level fields. Nested messages stay
// as raw bytes; call Decode again on Field.Bytes to descend.
func Decode(data []byte) ([]Field, error) {
	var fields []Field
	offset := 0
	for offset < len(data) {
		key, next, err := readVarint(data, offset)
		if err != nil {
			return nil, err
		}
		offset = next
		number := int(key >> 3)
		wireType := int(key & 0x07)
		if number == 0 {
			return nil, fmt.Errorf("field number 0: %w", ErrInvalidWire)
		}

		switch wireType {
		case TypeVarint:
			v, next, err := readVarint(data, offset)
			if err != nil {
				return nil, err
			}
			offset = next
			fields = append(fields, Field{Number: number, Type: wireType, Uint: v})
		case TypeFixed64:
			if offset+8 > len(data) {
				return nil, fmt.Errorf("fixed64: %w", ErrTruncated)
			}
			fields = append(fields, Field{Number: number, Type: wireType, Bytes: data[offset : offset+8]})
			offset += 8
		case TypeBytes:
			length, next, err := readVarint(data, offset)
			if err != nil {
				return nil, err
			}
			offset = next
			if length > uint64(len(data)-offset) {
				return nil, fmt.Errorf("length-delimited field: %w", ErrTruncated)
			}
			fields = append(fields, Field{Number: number, Type: wireType, Bytes: data[offset : offset+int(length)]})
			offset += int(length)
		case TypeFixed32:
			if offset+4 > len(data) {
				return nil, fmt.Errorf("fixed32: %w", ErrTruncated)
			}
			fields = append(fields, Field{Number: number, Type: wireType, Bytes: data[offset : offset+4]})
			offset += 4
		default:
			return nil, fmt.Errorf("unsupported wire type %d: %w", wireType, ErrInvalidWire)
		}
	}
	return fields, nil
}

// First returns the first field with the given number and wire type, or nil.
func First(fields []Field, number, wireType int) *Field {
	for i := range fields {
		if fields[i].Number == number && fields[i].Type == wireType {
			return &fields[i]
		}
	}
	return nil
}

// All returns every field with the given number and wire type.
func All(fields []Field, number, wireType int) []Field {
	var out []Field
	for _, f := range fields {
		if f.Number == number && f.Type == wireType {
			out = append(out, f)
		}
	}
	return out
}

func appendVarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func appendKey(dst []byte, number, wireType int) []byte {
	return appendVarint(dst, uint64(number)<<3|uint64(wireType))
}

// AppendVarint appends a varint field.
func AppendVarint(dst []byte, number int, v uint64) []byte {
	dst = appendKey(dst, number, TypeVarint)
	return appendVarint(dst, v)
}

// AppendBytes appends a length-delimited field.
func AppendBytes(dst []byte, number int, payload []byte) []byte {
	dst = appendKey(dst, number, TypeBytes)
	dst = appendVarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// AppendString appends a UTF-8 string field.
func AppendString(dst []byte, number int, s string) []byte {
	return AppendBytes(dst, number, []byte(s))
}

// AppendFloat32 appends a fixed32 IEEE float field.
func AppendFloat32(dst []byte, number int, v float64) []byte {
	dst = appendKey(dst, number, TypeFixed32)
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(float32(v)))
}

// AppendFloat64 appends a fixed64 IEEE double field.
func AppendFloat64(dst []byte, number int, v float64) []byte {
	dst = appendKey(dst, number, TypeFixed64)
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v))
}
