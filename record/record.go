// Package record converts between sum-read variables and typed values. Reads
// come from the latest batch buffer; writes go straight to the device.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"

	"sumlink/ads"
	"sumlink/logging"
	"sumlink/sumread"
)

// AllBits selects every bit of a digital variable.
const AllBits uint32 = 0xFFFFFFFF

// Severity grades a failed read or write.
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityMajor
	SeverityInvalid
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityMinor:
		return "minor"
	case SeverityMajor:
		return "major"
	case SeverityInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Alarm names the condition behind a failed read or write.
type Alarm uint8

const (
	AlarmNone Alarm = iota
	AlarmRead
	AlarmWrite
	AlarmComm
	AlarmTimeout
	AlarmUDF
)

func (a Alarm) String() string {
	switch a {
	case AlarmNone:
		return "none"
	case AlarmRead:
		return "read"
	case AlarmWrite:
		return "write"
	case AlarmComm:
		return "comm"
	case AlarmTimeout:
		return "timeout"
	case AlarmUDF:
		return "udf"
	default:
		return "unknown"
	}
}

// Result is the outcome of one record access. Status is nil on success.
type Result struct {
	Value    interface{}
	Status   error
	Alarm    Alarm
	Severity Severity
}

// OK reports whether the access succeeded.
func (r Result) OK() bool { return r.Status == nil }

func ok(value interface{}) Result {
	return Result{Value: value}
}

// failed classifies err. Lost sessions and timeouts raise communication
// alarms, missing data is undefined, everything else is a read or write alarm.
func failed(err error, write bool) Result {
	r := Result{Status: err, Severity: SeverityInvalid}
	switch sumread.KindOf(err) {
	case sumread.KindDisconnected:
		r.Alarm = AlarmComm
	case sumread.KindTimeout:
		r.Alarm = AlarmTimeout
	case sumread.KindNoData:
		r.Alarm = AlarmUDF
	default:
		if write {
			r.Alarm = AlarmWrite
		} else {
			r.Alarm = AlarmRead
		}
	}
	return r
}

// Writer is the direct-access side of a sumread.Connection.
type Writer interface {
	WriteVariable(v *sumread.Variable, data []byte) error
	ModifyVariable(v *sumread.Variable, update func(cur []byte) ([]byte, error)) error
}

// Access reads variables from their sum-read buffers and writes them through
// a Writer.
type Access struct {
	w Writer
}

// New returns an Access that writes through w.
func New(w Writer) *Access {
	return &Access{w: w}
}

func invalidParam(op string, format string, args ...interface{}) error {
	return &sumread.Error{Op: op, Kind: sumread.KindInvalidParam, Err: fmt.Errorf(format, args...)}
}

func readable(op string, v *sumread.Variable) error {
	if v.Addr.Op == sumread.OpWrite {
		return invalidParam(op, "variable %s is write-only", v.Name)
	}
	return nil
}

func readBytes(op string, v *sumread.Variable, n uint32) ([]byte, error) {
	if err := readable(op, v); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := v.ReadFromBuffer(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (a *Access) readFailed(op string, v *sumread.Variable, err error) Result {
	if !errors.Is(err, sumread.ErrDisconnected) {
		logging.DebugLog("SumRead", "%s %s: %v", op, v.Name, err)
	}
	return failed(err, false)
}

func (a *Access) writeFailed(op string, v *sumread.Variable, err error) Result {
	logging.DebugLog("SumRead", "%s %s: %v", op, v.Name, err)
	return failed(err, true)
}

// ReadScalar decodes the first element of v.
func (a *Access) ReadScalar(v *sumread.Variable) Result {
	const op = "ReadScalar"
	t := v.Addr.Type
	if t == ads.TypeString {
		return a.readFailed(op, v, invalidParam(op, "variable %s is a STRING", v.Name))
	}
	data, err := readBytes(op, v, t.Size())
	if err != nil {
		return a.readFailed(op, v, err)
	}
	value, err := ads.Decode(t, 1, data)
	if err != nil {
		return a.readFailed(op, v, err)
	}
	return ok(value)
}

// ReadArray decodes every element of v into a typed slice.
func (a *Access) ReadArray(v *sumread.Variable) Result {
	const op = "ReadArray"
	t := v.Addr.Type
	if t == ads.TypeString {
		return a.readFailed(op, v, invalidParam(op, "variable %s is a STRING", v.Name))
	}
	data, err := readBytes(op, v, v.Size())
	if err != nil {
		return a.readFailed(op, v, err)
	}
	value, err := ads.Decode(t, v.Addr.NElem, data)
	if err != nil {
		return a.readFailed(op, v, err)
	}
	if v.Addr.NElem == 1 {
		value = asSlice(value)
	}
	return ok(value)
}

func asSlice(value interface{}) interface{} {
	switch x := value.(type) {
	case bool:
		return []bool{x}
	case int64:
		return []int64{x}
	case uint64:
		return []uint64{x}
	case float64:
		return []float64{x}
	}
	return value
}

// ReadString decodes a STRING variable up to its first NUL.
func (a *Access) ReadString(v *sumread.Variable) Result {
	const op = "ReadString"
	if v.Addr.Type != ads.TypeString {
		return a.readFailed(op, v, invalidParam(op, "variable %s is %s, not STRING", v.Name, v.Addr.Type))
	}
	data, err := readBytes(op, v, v.Size())
	if err != nil {
		return a.readFailed(op, v, err)
	}
	value, err := ads.Decode(ads.TypeString, v.Addr.NElem, data)
	if err != nil {
		return a.readFailed(op, v, err)
	}
	return ok(value)
}

// ReadDigital returns the first element of a digital variable masked with
// mask, as a uint32.
func (a *Access) ReadDigital(v *sumread.Variable, mask uint32) Result {
	const op = "ReadDigital"
	t := v.Addr.Type
	if !t.IsDigital() {
		return a.readFailed(op, v, invalidParam(op, "%s is not a digital type", t))
	}
	data, err := readBytes(op, v, t.Size())
	if err != nil {
		return a.readFailed(op, v, err)
	}
	raw, err := ads.DecodeUnsigned(t, data)
	if err != nil {
		return a.readFailed(op, v, err)
	}
	return ok(uint32(raw) & mask)
}

// Read picks the accessor that fits the address: STRING, digital, array or
// scalar.
func (a *Access) Read(v *sumread.Variable) Result {
	switch {
	case v.Addr.Type == ads.TypeString:
		return a.ReadString(v)
	case v.Addr.Digital:
		return a.ReadDigital(v, AllBits)
	case v.Addr.NElem > 1:
		return a.ReadArray(v)
	default:
		return a.ReadScalar(v)
	}
}

// WriteScalar writes value to the first element of v. The rest of an array
// variable is zeroed.
func (a *Access) WriteScalar(v *sumread.Variable, value interface{}) Result {
	const op = "WriteScalar"
	if v.Addr.Type == ads.TypeString {
		return a.writeFailed(op, v, invalidParam(op, "variable %s is a STRING", v.Name))
	}
	data, err := ads.Encode(v.Addr.Type, 1, value)
	if err != nil {
		return a.writeFailed(op, v, invalidParam(op, "%v", err))
	}
	if err := a.w.WriteVariable(v, data); err != nil {
		return a.writeFailed(op, v, err)
	}
	return ok(value)
}

// WriteArray writes values to v. Missing trailing elements are zeroed.
func (a *Access) WriteArray(v *sumread.Variable, values interface{}) Result {
	const op = "WriteArray"
	if v.Addr.Type == ads.TypeString {
		return a.writeFailed(op, v, invalidParam(op, "variable %s is a STRING", v.Name))
	}
	data, err := ads.Encode(v.Addr.Type, v.Addr.NElem, values)
	if err != nil {
		return a.writeFailed(op, v, invalidParam(op, "%v", err))
	}
	if err := a.w.WriteVariable(v, data); err != nil {
		return a.writeFailed(op, v, err)
	}
	return ok(values)
}

// WriteString writes s to a STRING variable, NUL-padded.
func (a *Access) WriteString(v *sumread.Variable, s string) Result {
	const op = "WriteString"
	if v.Addr.Type != ads.TypeString {
		return a.writeFailed(op, v, invalidParam(op, "variable %s is %s, not STRING", v.Name, v.Addr.Type))
	}
	if uint32(len(s)) > v.Size() {
		return a.writeFailed(op, v, &sumread.Error{Op: op, Kind: sumread.KindOverflow,
			Err: fmt.Errorf("%d bytes exceed STRING[%d]", len(s), v.Addr.NElem)})
	}
	if err := a.w.WriteVariable(v, []byte(s)); err != nil {
		return a.writeFailed(op, v, err)
	}
	return ok(s)
}

// WriteDigital writes the bits of value selected by mask. Unless mask is
// AllBits the current device value is read first and only the masked bits
// change.
func (a *Access) WriteDigital(v *sumread.Variable, value, mask uint32) Result {
	const op = "WriteDigital"
	t := v.Addr.Type
	if !t.IsDigital() {
		return a.writeFailed(op, v, invalidParam(op, "%s is not a digital type", t))
	}

	if mask == AllBits {
		data, err := ads.Encode(t, 1, uint64(value))
		if err != nil {
			return a.writeFailed(op, v, invalidParam(op, "%v", err))
		}
		if err := a.w.WriteVariable(v, data); err != nil {
			return a.writeFailed(op, v, err)
		}
		return ok(value)
	}

	var written uint32
	err := a.w.ModifyVariable(v, func(cur []byte) ([]byte, error) {
		raw, err := ads.DecodeUnsigned(t, cur)
		if err != nil {
			return nil, err
		}
		bits := uint32(raw)
		bits |= value & mask
		bits &= value | ^mask
		written = bits
		return ads.Encode(t, 1, uint64(bits))
	})
	if err != nil {
		return a.writeFailed(op, v, err)
	}
	return ok(written)
}

// Write coerces value to the variable's type and picks the writer that fits
// the address. Digital variables are written whole.
func (a *Access) Write(v *sumread.Variable, value interface{}) Result {
	const op = "Write"
	value, err := Coerce(v.Addr.Type, v.Addr.NElem, value)
	if err != nil {
		return a.writeFailed(op, v, invalidParam(op, "%v", err))
	}
	switch {
	case v.Addr.Type == ads.TypeString:
		return a.WriteString(v, value.(string))
	case v.Addr.Digital:
		data, err := ads.Encode(ads.TypeUDInt, 1, value)
		if err != nil {
			return a.writeFailed(op, v, invalidParam(op, "%v", err))
		}
		return a.WriteDigital(v, binary.LittleEndian.Uint32(data), AllBits)
	case v.Addr.NElem > 1:
		return a.WriteArray(v, value)
	default:
		return a.WriteScalar(v, value)
	}
}
