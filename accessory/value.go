package accessory

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"
	"strconv"
	"unicode/utf8"

	"hapkit"
	"hapkit/encoding/tlv8"
)

type Format string

const (
	FormatBool   Format = "bool"
	FormatUint8  Format = "uint8"
	FormatUint16 Format = "uint16"
	FormatUint32 Format = "uint32"
	FormatUint64 Format = "uint64"
	FormatInt    Format = "int"   // int32
	FormatFloat  Format = "float" // float64
	FormatString Format = "string"
	FormatTLV8   Format = "tlv8" // []byte (base64 encoded)
	FormatData   Format = "data" // []byte (base64 encoded)
)

const (
	DefaultMaxLen     = 64
	MaxMaxLen         = 256
	DefaultMaxDataLen = 2097152
)

// bits returns the bit width and signedness of an integer format.
func (f Format) bits() (int, bool, bool) {
	switch f {
	case FormatUint8:
		return 8, false, true
	case FormatUint16:
		return 16, false, true
	case FormatUint32:
		return 32, false, true
	case FormatUint64:
		return 64, false, true
	case FormatInt:
		return 32, true, true
	}
	return 0, false, false
}

// Numeric reports whether f is an integer or float format.
func (f Format) Numeric() bool {
	_, _, isInt := f.bits()
	return isInt || f == FormatFloat
}

func (f Format) valid() bool {
	switch f {
	case FormatBool, FormatFloat, FormatString, FormatTLV8, FormatData:
		return true
	}
	_, _, isInt := f.bits()
	return isInt
}

// Constraints bound the values a characteristic accepts. Numeric bounds use
// float64 for every numeric format, as the attribute database does.
type Constraints struct {
	MinValue    *float64
	MaxValue    *float64
	StepValue   *float64
	MaxLen      int // string, default DefaultMaxLen
	MaxDataLen  int // data and tlv8, default DefaultMaxDataLen
	ValidValues []int
}

func formatErr(f Format, format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", f, fmt.Sprintf(format, args...), hapkit.ErrFormat)
}

// Parse decodes a JSON-encoded wire value of the given format. It never
// coerces: a bool must be true, false, 0 or 1; an integer must fit the
// format's width exactly; strings must be valid UTF-8.
func Parse(f Format, raw json.RawMessage) (any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, formatErr(f, "missing value")
	}
	if bits, signed, ok := f.bits(); ok {
		s := string(raw)
		if signed {
			i, err := strconv.ParseInt(s, 10, bits)
			if err != nil {
				return nil, formatErr(f, "%q", s)
			}
			return int32(i), nil
		}
		u, err := strconv.ParseUint(s, 10, bits)
		if err != nil {
			return nil, formatErr(f, "%q", s)
		}
		return narrowUint(f, u), nil
	}
	switch f {
	case FormatBool:
		switch string(raw) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
		return nil, formatErr(f, "%s", raw)
	case FormatFloat:
		if raw[0] == '"' {
			return nil, formatErr(f, "%s", raw)
		}
		x, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, formatErr(f, "%s", raw)
		}
		return x, nil
	case FormatString:
		if !utf8.Valid(raw) {
			return nil, formatErr(f, "invalid utf-8")
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, formatErr(f, "%v", err)
		}
		return s, nil
	case FormatTLV8, FormatData:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, formatErr(f, "%v", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, formatErr(f, "%v", err)
		}
		if f == FormatTLV8 {
			if err := tlv8.Validate(b); err != nil {
				return nil, formatErr(f, "%v", err)
			}
		}
		return b, nil
	}
	return nil, formatErr(f, "unknown format")
}

// Serialize encodes v as a JSON wire value. A nil value encodes as null.
func Serialize(f Format, v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	switch f {
	case FormatTLV8, FormatData:
		b, ok := v.([]byte)
		if !ok {
			return nil, formatErr(f, "%T", v)
		}
		return json.Marshal(base64.StdEncoding.EncodeToString(b))
	}
	return json.Marshal(v)
}

func narrowUint(f Format, u uint64) any {
	switch f {
	case FormatUint8:
		return uint8(u)
	case FormatUint16:
		return uint16(u)
	case FormatUint32:
		return uint32(u)
	}
	return u
}

// Convert normalizes a Go value supplied by device code or a static
// declaration to the canonical type of f. Numeric conversions must be
// lossless; anything else fails with ErrFormat.
func Convert(f Format, v any) (any, error) {
	if v == nil {
		return nil, formatErr(f, "missing value")
	}
	if bits, signed, ok := f.bits(); ok {
		rv := reflect.ValueOf(v)
		var i int64
		var u uint64
		neg := false
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			i = rv.Int()
			neg = i < 0
			u = uint64(i)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			u = rv.Uint()
			i = int64(u)
		case reflect.Float32, reflect.Float64:
			x := rv.Float()
			if x != math.Trunc(x) || math.Abs(x) > 1<<53 {
				return nil, formatErr(f, "%v is not an integer", x)
			}
			i = int64(x)
			neg = i < 0
			u = uint64(i)
		default:
			return nil, formatErr(f, "%T", v)
		}
		if signed {
			if (!neg && u > math.MaxInt64) || i < math.MinInt32 || i > math.MaxInt32 {
				return nil, formatErr(f, "%v overflows", v)
			}
			return int32(i), nil
		}
		if neg || (bits < 64 && u >= 1<<bits) {
			return nil, formatErr(f, "%v overflows", v)
		}
		return narrowUint(f, u), nil
	}
	switch f {
	case FormatBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case FormatFloat:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return float64(rv.Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return float64(rv.Uint()), nil
		case reflect.Float32, reflect.Float64:
			x := rv.Float()
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, formatErr(f, "%v", x)
			}
			return x, nil
		}
	case FormatString:
		if s, ok := v.(string); ok {
			if !utf8.ValidString(s) {
				return nil, formatErr(f, "invalid utf-8")
			}
			return s, nil
		}
	case FormatTLV8, FormatData:
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	}
	return nil, formatErr(f, "%T", v)
}

func toFloat(v any) float64 {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	}
	return math.NaN()
}

func rangeErr(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, hapkit.ErrOutOfRange)...)
}

// Validate checks a canonical value against the constraints. Values are
// rejected, never clamped.
func Validate(f Format, v any, c Constraints) error {
	if f.Numeric() {
		x := toFloat(v)
		if math.IsNaN(x) {
			return formatErr(f, "%T", v)
		}
		if c.MinValue != nil && x < *c.MinValue {
			return rangeErr("%v below minimum %v", x, *c.MinValue)
		}
		if c.MaxValue != nil && x > *c.MaxValue {
			return rangeErr("%v above maximum %v", x, *c.MaxValue)
		}
		if c.StepValue != nil && *c.StepValue > 0 {
			base := 0.0
			if c.MinValue != nil {
				base = *c.MinValue
			}
			q := (x - base) / *c.StepValue
			if math.Abs(q-math.Round(q)) > 1e-6 {
				return rangeErr("%v is not a multiple of step %v", x, *c.StepValue)
			}
		}
		if len(c.ValidValues) > 0 && !slices.Contains(c.ValidValues, int(x)) {
			return rangeErr("%v not in valid values %v", x, c.ValidValues)
		}
		return nil
	}
	switch f {
	case FormatString:
		maxLen := c.MaxLen
		if maxLen <= 0 {
			maxLen = DefaultMaxLen
		}
		if s, _ := v.(string); len(s) > maxLen {
			return rangeErr("string of %d bytes exceeds %d", len(s), maxLen)
		}
	case FormatTLV8, FormatData:
		maxLen := c.MaxDataLen
		if maxLen <= 0 {
			maxLen = DefaultMaxDataLen
		}
		if b, _ := v.([]byte); len(b) > maxLen {
			return rangeErr("data of %d bytes exceeds %d", len(b), maxLen)
		}
	}
	return nil
}

// Float returns a pointer to x, for filling Constraints.
func Float(x float64) *float64 {
	return &x
}
