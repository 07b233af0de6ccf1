package modbus

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/nerrad567/beamline-core/internal/channel"
)

// Coil values as written by FC5.
const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// decode converts a read response to a channel value.
func decode(ref Ref, data []byte) (any, error) {
	switch ref.Area {
	case AreaCoil, AreaDiscrete:
		if len(data) == 0 {
			return nil, fmt.Errorf("empty %s response", ref.Area)
		}
		return data[0]&0x01 != 0, nil
	}

	need := int(ref.words()) * 2
	if len(data) < need {
		return nil, fmt.Errorf("short %s response: %d bytes, want %d", ref.Area, len(data), need)
	}
	switch ref.Encoding {
	case EncodingInt16:
		return int64(int16(binary.BigEndian.Uint16(data))), nil
	case EncodingUint32:
		return int64(binary.BigEndian.Uint32(data)), nil
	case EncodingInt32:
		return int64(int32(binary.BigEndian.Uint32(data))), nil
	case EncodingFloat32:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(data))), nil
	default:
		return int64(binary.BigEndian.Uint16(data)), nil
	}
}

// encodeCoil converts a value to the FC5 payload.
func encodeCoil(v any) (uint16, error) {
	switch x := v.(type) {
	case bool:
		if x {
			return coilOn, nil
		}
		return coilOff, nil
	}
	f, ok := channel.ToFloat(v)
	if !ok || (f != 0 && f != 1) {
		return 0, fmt.Errorf("%w: coil value %v must be boolean", channel.ErrInvalidValue, v)
	}
	if f == 1 {
		return coilOn, nil
	}
	return coilOff, nil
}

// encodeRegisters converts a value to register bytes for ref.Encoding.
func encodeRegisters(ref Ref, v any) ([]byte, error) {
	if b, ok := v.(bool); ok {
		v = 0
		if b {
			v = 1
		}
	}
	f, ok := channel.ToFloat(v)
	if !ok {
		return nil, fmt.Errorf("%w: %v is not numeric", channel.ErrInvalidValue, v)
	}

	out := make([]byte, int(ref.words())*2)
	switch ref.Encoding {
	case EncodingFloat32:
		if math.IsNaN(f) || math.Abs(f) > math.MaxFloat32 {
			return nil, fmt.Errorf("%w: %v outside float32", channel.ErrInvalidValue, v)
		}
		binary.BigEndian.PutUint32(out, math.Float32bits(float32(f)))
		return out, nil
	}

	if f != math.Trunc(f) {
		return nil, fmt.Errorf("%w: %v is not an integer", channel.ErrInvalidValue, v)
	}
	var lo, hi float64
	switch ref.Encoding {
	case EncodingInt16:
		lo, hi = math.MinInt16, math.MaxInt16
	case EncodingUint32:
		lo, hi = 0, math.MaxUint32
	case EncodingInt32:
		lo, hi = math.MinInt32, math.MaxInt32
	default:
		lo, hi = 0, math.MaxUint16
	}
	if f < lo || f > hi {
		return nil, fmt.Errorf("%w: %v outside %s range", channel.ErrInvalidValue, v, ref.Encoding)
	}

	switch ref.Encoding {
	case EncodingInt16:
		binary.BigEndian.PutUint16(out, uint16(int16(f)))
	case EncodingUint32:
		binary.BigEndian.PutUint32(out, uint32(f))
	case EncodingInt32:
		binary.BigEndian.PutUint32(out, uint32(int32(f)))
	default:
		binary.BigEndian.PutUint16(out, uint16(f))
	}
	return out, nil
}
