package sumread

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"sumlink/ads"
)

// Operation is the access direction declared by an address.
type Operation uint8

const (
	OpRead Operation = iota
	OpWrite
)

func (o Operation) String() string {
	if o == OpWrite {
		return "W"
	}
	return "R"
}

// Address is the wire description of one variable. The type, element count,
// port and name never change after parsing; the index group/offset pair of a
// symbolic address is filled in by Connection.Resolve and cleared again by
// Connection.Unresolve.
type Address struct {
	Type        ads.DataType
	NElem       uint32
	Op          Operation
	Port        uint16
	Name        string // empty for numeric addresses
	NotifyDelay uint32
	Digital     bool // declared through the T_digi function form

	mu       sync.RWMutex
	group    uint32
	offset   uint32
	resolved bool
}

// NewNumericAddress returns an address that is resolved from the start.
func NewNumericAddress(t ads.DataType, nelem uint32, op Operation, port uint16, group, offset uint32) (*Address, error) {
	a := &Address{Type: t, NElem: nelem, Op: op, Port: port, group: group, offset: offset}
	if err := a.finish("NewNumericAddress"); err != nil {
		return nil, err
	}
	return a, nil
}

// NewSymbolicAddress returns an unresolved address for a PLC symbol.
func NewSymbolicAddress(t ads.DataType, nelem uint32, op Operation, port uint16, name string) (*Address, error) {
	if name == "" {
		return nil, errorf("NewSymbolicAddress", KindInvalidAddress, "variable name not specified")
	}
	a := &Address{Type: t, NElem: nelem, Op: op, Port: port, Name: name}
	if err := a.finish("NewSymbolicAddress"); err != nil {
		return nil, err
	}
	return a, nil
}

// finish applies the invariants shared by every constructor.
func (a *Address) finish(op string) error {
	if !a.Type.Valid() {
		return errorf(op, KindInvalidAddress, "invalid data type %s", a.Type)
	}
	if a.Port == 0 {
		return errorf(op, KindInvalidAddress, "ADS port not specified")
	}
	if a.Type == ads.TypeString && a.NElem == 0 {
		return errorf(op, KindInvalidAddress, "missing NELEM specifier for STRING data type")
	}
	if a.Digital && !a.Type.IsDigital() {
		return errorf(op, KindInvalidAddress, "%s does not support digital access", a.Type)
	}
	if a.NElem == 0 {
		a.NElem = 1
	}
	if uint64(a.Type.Size())*uint64(a.NElem) > 0xFFFFFFFF {
		return errorf(op, KindInvalidAddress, "%s[%d] exceeds the maximum variable size", a.Type, a.NElem)
	}
	if !a.IsSymbolic() {
		if a.group == 0 && a.offset == 0 {
			return errorf(op, KindInvalidAddress, "numeric address needs a non-zero index group or offset")
		}
		a.resolved = true
	}
	return nil
}

// ParseAddress parses an address specifier:
//
//	TYPE[N=n] R|W P=port G=group O=offset [D=delay]
//	TYPE[N=n] R|W P=port V=name [D=delay]
//
// The element count may also be written as TYPE[n]. Numbers are decimal or
// 0x-prefixed hexadecimal; the port may be a symbolic alias such as PLC_TC3.
func ParseAddress(spec string) (*Address, error) {
	const op = "ParseAddress"

	tokens := strings.Fields(spec)
	if len(tokens) < 4 {
		return nil, errorf(op, KindInvalidAddress, "invalid address specifier %q", spec)
	}

	a := &Address{}
	var err error
	if a.Type, a.NElem, err = parseTypeToken(tokens[0]); err != nil {
		return nil, newError(op, KindInvalidAddress, err)
	}
	if a.Op, err = parseOperation(tokens[1]); err != nil {
		return nil, newError(op, KindInvalidAddress, err)
	}
	if a.Port, err = parsePortParam(tokens[2]); err != nil {
		return nil, newError(op, KindInvalidAddress, err)
	}

	rest := tokens[4:]
	if strings.HasPrefix(tokens[3], "G=") {
		if a.group, err = parseNumberParam(tokens[3], "G", "index group"); err != nil {
			return nil, newError(op, KindInvalidAddress, err)
		}
		if len(tokens) < 5 {
			return nil, errorf(op, KindInvalidAddress, "missing index offset specifier in %q", spec)
		}
		if a.offset, err = parseNumberParam(tokens[4], "O", "index offset"); err != nil {
			return nil, newError(op, KindInvalidAddress, err)
		}
		rest = tokens[5:]
	} else if a.Name, err = parseNameParam(tokens[3]); err != nil {
		return nil, newError(op, KindInvalidAddress, err)
	}

	if len(rest) > 0 {
		if a.NotifyDelay, err = parseNumberParam(rest[0], "D", "notification delay"); err != nil {
			return nil, newError(op, KindInvalidAddress, err)
		}
		rest = rest[1:]
	}
	if len(rest) > 0 {
		return nil, errorf(op, KindInvalidAddress, "unexpected %q in address specifier", strings.Join(rest, " "))
	}

	if err := a.finish(op); err != nil {
		return nil, err
	}
	return a, nil
}

// ParseFunctionAddress parses the structured (function, arguments) form
// used by typed record bindings:
//
//	T        [R|W, P=port, V=name]
//	T_digi   [R|W, P=port, V=name]
//	T[]      [N=n, R|W, P=port, V=name]
//	STRING   [N=n, R|W, P=port, V=name]
//
// Only symbolic names are supported; the result always starts unresolved.
func ParseFunctionAddress(function string, args []string) (*Address, error) {
	const op = "ParseFunctionAddress"

	a := &Address{}
	typeName := function
	withCount := false
	switch {
	case strings.Contains(function, "[]"):
		typeName = function[:strings.Index(function, "[]")]
		withCount = true
	case strings.Contains(function, "_digi"):
		typeName = function[:strings.Index(function, "_digi")]
		a.Digital = true
	case strings.Contains(function, "STRING"):
		withCount = true
	}

	t, ok := ads.ParseDataType(typeName)
	if !ok {
		return nil, errorf(op, KindInvalidAddress, "invalid data type %q", function)
	}
	a.Type = t

	want := 3
	if withCount {
		want = 4
	}
	if len(args) != want {
		return nil, errorf(op, KindInvalidAddress, "%s takes %d arguments, got %d", function, want, len(args))
	}

	var err error
	if withCount {
		if a.NElem, err = parseCountParam(args[0]); err != nil {
			return nil, newError(op, KindInvalidAddress, err)
		}
		args = args[1:]
	}
	if a.Op, err = parseOperation(args[0]); err != nil {
		return nil, newError(op, KindInvalidAddress, err)
	}
	if a.Port, err = parsePortParam(args[1]); err != nil {
		return nil, newError(op, KindInvalidAddress, err)
	}
	if a.Name, err = parseNameParam(args[2]); err != nil {
		return nil, newError(op, KindInvalidAddress, err)
	}

	if err := a.finish(op); err != nil {
		return nil, err
	}
	return a, nil
}

func parseTypeToken(tok string) (ads.DataType, uint32, error) {
	name, count := tok, ""
	if i := strings.IndexByte(tok, '['); i >= 0 {
		if !strings.HasSuffix(tok, "]") {
			return 0, 0, fmt.Errorf("invalid element count in %q", tok)
		}
		name, count = tok[:i], tok[i+1:len(tok)-1]
	}

	t, ok := ads.ParseDataType(name)
	if !ok {
		return 0, 0, fmt.Errorf("invalid data type %q", tok)
	}
	if count == "" {
		return t, 0, nil
	}
	n, err := parseCount(strings.TrimPrefix(count, "N="))
	return t, n, err
}

func parseCountParam(arg string) (uint32, error) {
	value, ok := strings.CutPrefix(arg, "N=")
	if !ok {
		return 0, fmt.Errorf("expected N=<count>, got %q", arg)
	}
	return parseCount(value)
}

func parseCount(s string) (uint32, error) {
	n, err := parseNumber(s)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid number of elements %q", s)
	}
	return n, nil
}

func parseOperation(s string) (Operation, error) {
	switch s {
	case "R":
		return OpRead, nil
	case "W":
		return OpWrite, nil
	}
	return 0, fmt.Errorf("invalid operation %q", s)
}

func parsePortParam(s string) (uint16, error) {
	value, ok := strings.CutPrefix(s, "P=")
	if !ok || value == "" {
		return 0, fmt.Errorf("invalid ADS port %q", s)
	}
	port, err := ads.ParsePort(value)
	if err != nil {
		return 0, fmt.Errorf("invalid ADS port %q", s)
	}
	return port, nil
}

func parseNameParam(s string) (string, error) {
	value, ok := strings.CutPrefix(s, "V=")
	if !ok || value == "" {
		return "", fmt.Errorf("variable name not specified in %q", s)
	}
	return value, nil
}

func parseNumberParam(s, key, what string) (uint32, error) {
	value, ok := strings.CutPrefix(s, key+"=")
	if !ok || value == "" {
		return 0, fmt.Errorf("invalid ADS %s %q", what, s)
	}
	n, err := parseNumber(value)
	if err != nil {
		return 0, fmt.Errorf("invalid ADS %s %q", what, s)
	}
	return n, nil
}

// parseNumber accepts decimal or 0x-prefixed hexadecimal 32-bit values.
func parseNumber(s string) (uint32, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 32)
	return uint32(v), err
}

// Size returns the variable size in bytes.
func (a *Address) Size() uint32 { return a.Type.Size() * a.NElem }

// IsSymbolic reports whether the address names a PLC symbol.
func (a *Address) IsSymbolic() bool { return a.Name != "" }

// Resolved reports whether Group/Offset hold a usable location.
func (a *Address) Resolved() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.resolved
}

// Location returns the index group and offset together with the resolved flag.
func (a *Address) Location() (group, offset uint32, resolved bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.group, a.offset, a.resolved
}

// Resolve stores the location of a symbolic address. Resolving an address
// twice is an InvalidCall.
func (a *Address) Resolve(group, offset uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resolved {
		return errorf("Resolve", KindInvalidCall, "address %s is already resolved", a.Name)
	}
	a.group, a.offset, a.resolved = group, offset, true
	return nil
}

// Unresolve clears the location of a symbolic address. Numeric addresses
// cannot be unresolved.
func (a *Address) Unresolve() error {
	if !a.IsSymbolic() {
		return errorf("Unresolve", KindInvalidCall, "numeric address cannot be unresolved")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.group, a.offset, a.resolved = 0, 0, false
	return nil
}

// Specifier renders the address in ParseAddress syntax.
func (a *Address) Specifier() string {
	var sb strings.Builder
	sb.WriteString(a.Type.String())
	if a.NElem > 1 || a.Type == ads.TypeString {
		fmt.Fprintf(&sb, "[N=%d]", a.NElem)
	}
	fmt.Fprintf(&sb, " %s P=%d ", a.Op, a.Port)
	if a.IsSymbolic() {
		sb.WriteString("V=" + a.Name)
	} else {
		group, offset, _ := a.Location()
		fmt.Fprintf(&sb, "G=0x%X O=0x%X", group, offset)
	}
	if a.NotifyDelay != 0 {
		fmt.Fprintf(&sb, " D=%d", a.NotifyDelay)
	}
	return sb.String()
}

// String describes type, size, port and location, e.g.
//
//	LREAL[1 elem/8 bytes] P=851 V=MAIN.fTemp (handle G=0xf005 O=0x3a2)
func (a *Address) String() string {
	group, offset, _ := a.Location()
	s := fmt.Sprintf("%s[%d elem/%d bytes] P=%d ", a.Type, a.NElem, a.Size(), a.Port)
	if a.IsSymbolic() {
		return s + fmt.Sprintf("V=%s (handle G=0x%x O=0x%x)", a.Name, group, offset)
	}
	return s + fmt.Sprintf("G=0x%x O=0x%x", group, offset)
}
