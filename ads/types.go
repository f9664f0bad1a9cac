package ads

import (
	"fmt"
	"strings"
)

// DataType is a TwinCAT elementary type that sumlink can place in a sum-read
// buffer. Each type resolves once through typeTable to its byte size and codec
// kind; nothing else switches on the type.
type DataType uint8

const (
	TypeUnknown DataType = iota
	TypeBool
	TypeSInt
	TypeByte
	TypeUSInt
	TypeInt
	TypeWord
	TypeUInt
	TypeDWord
	TypeDInt
	TypeUDInt
	TypeReal
	TypeLReal
	TypeLInt
	TypeString
)

// Kind selects the codec used for a DataType.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindSigned
	KindUnsigned
	KindFloat
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindSigned:
		return "signed"
	case KindUnsigned:
		return "unsigned"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	default:
		return "invalid"
	}
}

type typeInfo struct {
	name    string
	size    uint32 // bytes per element
	kind    Kind
	digital bool // may be accessed through a bit mask (the _digi form)
}

// typeTable is indexed by DataType. STRING is one byte per element; the element
// count of a STRING variable is its buffer length.
var typeTable = [...]typeInfo{
	TypeUnknown: {"UNKNOWN", 0, KindInvalid, false},
	TypeBool:    {"BOOL", 1, KindBool, true},
	TypeSInt:    {"SINT", 1, KindSigned, false},
	TypeByte:    {"BYTE", 1, KindUnsigned, true},
	TypeUSInt:   {"USINT", 1, KindUnsigned, true},
	TypeInt:     {"INT", 2, KindSigned, false},
	TypeWord:    {"WORD", 2, KindUnsigned, true},
	TypeUInt:    {"UINT", 2, KindUnsigned, true},
	TypeDWord:   {"DWORD", 4, KindUnsigned, true},
	TypeDInt:    {"DINT", 4, KindSigned, false},
	TypeUDInt:   {"UDINT", 4, KindUnsigned, true},
	TypeReal:    {"REAL", 4, KindFloat, false},
	TypeLReal:   {"LREAL", 8, KindFloat, false},
	TypeLInt:    {"LINT", 8, KindSigned, false},
	TypeString:  {"STRING", 1, KindString, false},
}

var typesByName = func() map[string]DataType {
	m := make(map[string]DataType, len(typeTable))
	for i, info := range typeTable {
		if DataType(i) != TypeUnknown {
			m[info.name] = DataType(i)
		}
	}
	return m
}()

// ParseDataType returns the DataType for a type name such as "LREAL".
func ParseDataType(name string) (DataType, bool) {
	t, ok := typesByName[strings.ToUpper(strings.TrimSpace(name))]
	return t, ok
}

func (t DataType) info() typeInfo {
	if int(t) >= len(typeTable) {
		return typeTable[TypeUnknown]
	}
	return typeTable[t]
}

func (t DataType) String() string {
	if int(t) >= len(typeTable) {
		return fmt.Sprintf("TYPE_%02X", uint8(t))
	}
	return t.info().name
}

// Size returns the size of one element in bytes.
func (t DataType) Size() uint32 { return t.info().size }

// Kind returns the codec kind.
func (t DataType) Kind() Kind { return t.info().kind }

// IsDigital reports whether the type supports masked bit access.
func (t DataType) IsDigital() bool { return t.info().digital }

// Valid reports whether t is a known type.
func (t DataType) Valid() bool { return t != TypeUnknown && int(t) < len(typeTable) }

// SupportedTypeNames returns the accepted type names in table order.
func SupportedTypeNames() []string {
	names := make([]string, 0, len(typeTable)-1)
	for i, info := range typeTable {
		if DataType(i) != TypeUnknown {
			names = append(names, info.name)
		}
	}
	return names
}
