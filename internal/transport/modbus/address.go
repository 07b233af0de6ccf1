package modbus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nerrad567/beamline-core/internal/channel"
)

// Area is a Modbus data table.
type Area string

// Modbus data tables. Coils and holding registers are writable.
const (
	AreaCoil     Area = "coil"
	AreaDiscrete Area = "discrete"
	AreaHolding  Area = "holding"
	AreaInput    Area = "input"
)

// Encoding selects how register words map to a value.
type Encoding string

// Register encodings. Multi-word values are big-endian, high word first.
const (
	EncodingUint16  Encoding = "uint16"
	EncodingInt16   Encoding = "int16"
	EncodingUint32  Encoding = "uint32"
	EncodingInt32   Encoding = "int32"
	EncodingFloat32 Encoding = "float32"
)

// Ref locates one value on the bus.
type Ref struct {
	Unit     byte
	Area     Area
	Offset   uint16
	Encoding Encoding
}

// words returns the number of registers the value spans.
func (r Ref) words() uint16 {
	switch r.Encoding {
	case EncodingUint32, EncodingInt32, EncodingFloat32:
		return 2
	}
	return 1
}

func (r Ref) writable() bool {
	return r.Area == AreaCoil || r.Area == AreaHolding
}

func (r Ref) String() string {
	s := fmt.Sprintf("%d/%s:%d", r.Unit, r.Area, r.Offset)
	if r.Area == AreaHolding || r.Area == AreaInput {
		s += "#" + string(r.Encoding)
	}
	return s
}

// ParseRef parses a channel address. The target is "[unit/]area:offset",
// for example "holding:100" or "3/coil:0". The attribute selects the
// register encoding and defaults to uint16. Unit defaults to 1.
func ParseRef(addr channel.Address) (Ref, error) {
	ref := Ref{Unit: 1, Encoding: EncodingUint16}
	target := strings.TrimSpace(addr.Target)

	if unit, rest, ok := strings.Cut(target, "/"); ok {
		n, err := strconv.ParseUint(unit, 10, 8)
		if err != nil || n == 0 || n > 247 {
			return Ref{}, fmt.Errorf("%w: modbus unit %q must be 1-247", channel.ErrInvalidConfig, unit)
		}
		ref.Unit = byte(n)
		target = rest
	}

	area, offset, ok := strings.Cut(target, ":")
	if !ok {
		return Ref{}, fmt.Errorf("%w: modbus address %q must be area:offset", channel.ErrInvalidConfig, addr.Target)
	}
	switch Area(strings.ToLower(area)) {
	case AreaCoil, AreaDiscrete, AreaHolding, AreaInput:
		ref.Area = Area(strings.ToLower(area))
	default:
		return Ref{}, fmt.Errorf("%w: modbus area %q must be coil, discrete, holding or input", channel.ErrInvalidConfig, area)
	}
	n, err := strconv.ParseUint(offset, 10, 16)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: modbus offset %q: %v", channel.ErrInvalidConfig, offset, err)
	}
	ref.Offset = uint16(n)

	if addr.Attribute != "" {
		switch Encoding(strings.ToLower(addr.Attribute)) {
		case EncodingUint16, EncodingInt16, EncodingUint32, EncodingInt32, EncodingFloat32:
			ref.Encoding = Encoding(strings.ToLower(addr.Attribute))
		default:
			return Ref{}, fmt.Errorf("%w: modbus encoding %q", channel.ErrInvalidConfig, addr.Attribute)
		}
		if ref.Area == AreaCoil || ref.Area == AreaDiscrete {
			return Ref{}, fmt.Errorf("%w: encoding on %s address", channel.ErrInvalidConfig, ref.Area)
		}
	}
	return ref, nil
}
