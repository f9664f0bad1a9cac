package sumread

import (
	"errors"
	"io"
	"testing"

	"sumlink/ads"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		spec     string
		typ      ads.DataType
		nelem    uint32
		op       Operation
		port     uint16
		name     string
		group    uint32
		offset   uint32
		delay    uint32
		resolved bool
	}{
		{"LREAL R P=PLC_TC3 V=MAIN.fTemp", ads.TypeLReal, 1, OpRead, 851, "MAIN.fTemp", 0, 0, 0, false},
		{"INT[N=4] W P=851 V=GVL.aSetpoints", ads.TypeInt, 4, OpWrite, 851, "GVL.aSetpoints", 0, 0, 0, false},
		{"INT[4] R P=851 V=GVL.aSetpoints", ads.TypeInt, 4, OpRead, 851, "GVL.aSetpoints", 0, 0, 0, false},
		{"STRING[N=80] R P=PLC V=MAIN.sName D=1000", ads.TypeString, 80, OpRead, 801, "MAIN.sName", 0, 0, 1000, false},
		{"DINT R P=0x353 G=0x4020 O=16", ads.TypeDInt, 1, OpRead, 851, "", 0x4020, 16, 0, true},
		{"BOOL R P=851 G=0 O=0x10 D=0x20", ads.TypeBool, 1, OpRead, 851, "", 0, 0x10, 0x20, true},
		{"  UDINT   R  P=851   V=MAIN.n  ", ads.TypeUDInt, 1, OpRead, 851, "MAIN.n", 0, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			a, err := ParseAddress(tt.spec)
			if err != nil {
				t.Fatalf("ParseAddress(%q) error: %v", tt.spec, err)
			}
			if a.Type != tt.typ || a.NElem != tt.nelem || a.Op != tt.op || a.Port != tt.port || a.Name != tt.name || a.NotifyDelay != tt.delay {
				t.Errorf("ParseAddress(%q) = %s %d %s %d %q D=%d", tt.spec, a.Type, a.NElem, a.Op, a.Port, a.Name, a.NotifyDelay)
			}
			group, offset, resolved := a.Location()
			if group != tt.group || offset != tt.offset || resolved != tt.resolved {
				t.Errorf("Location() = 0x%X, 0x%X, %v; want 0x%X, 0x%X, %v", group, offset, resolved, tt.group, tt.offset, tt.resolved)
			}
		})
	}
}

func TestParseAddressErrors(t *testing.T) {
	tests := []string{
		"",
		"LREAL R P=851",
		"FLOAT R P=851 V=MAIN.x",
		"LREAL X P=851 V=MAIN.x",
		"LREAL R Q=851 V=MAIN.x",
		"LREAL R P=BOGUS V=MAIN.x",
		"LREAL R P=0 V=MAIN.x",
		"LREAL R P=851 V=",
		"LREAL R P=851 G=0x4020",
		"LREAL R P=851 G=0x4020 X=1",
		"LREAL R P=851 G=zz O=1",
		"LREAL[N=0] R P=851 V=MAIN.x",
		"LREAL[N=abc] R P=851 V=MAIN.x",
		"LREAL[N=3 R P=851 V=MAIN.x",
		"LREAL R P=851 V=MAIN.x D=",
		"LREAL R P=851 V=MAIN.x D=-1",
		"LREAL R P=851 V=MAIN.x D=10 extra",
		"STRING R P=851 V=MAIN.s",
		"LREAL[N=0x20000000] R P=851 V=MAIN.x",
		"WORD R P=NC G=0 O=0",
	}

	for _, spec := range tests {
		t.Run(spec, func(t *testing.T) {
			_, err := ParseAddress(spec)
			if !errors.Is(err, ErrInvalidAddress) {
				t.Errorf("ParseAddress(%q) error = %v, want InvalidAddress", spec, err)
			}
		})
	}
}

func TestParseFunctionAddress(t *testing.T) {
	tests := []struct {
		function string
		args     []string
		typ      ads.DataType
		nelem    uint32
		op       Operation
		name     string
		digital  bool
		wantErr  bool
	}{
		{"LREAL", []string{"R", "P=851", "V=MAIN.fTemp"}, ads.TypeLReal, 1, OpRead, "MAIN.fTemp", false, false},
		{"DWORD_digi", []string{"W", "P=PLC_TC3", "V=MAIN.dwFlags"}, ads.TypeDWord, 1, OpWrite, "MAIN.dwFlags", true, false},
		{"INT[]", []string{"N=10", "R", "P=851", "V=MAIN.aValues"}, ads.TypeInt, 10, OpRead, "MAIN.aValues", false, false},
		{"STRING", []string{"N=32", "R", "P=851", "V=MAIN.sText"}, ads.TypeString, 32, OpRead, "MAIN.sText", false, false},
		{"REAL_digi", []string{"R", "P=851", "V=MAIN.f"}, 0, 0, 0, "", false, true},
		{"INT[]", []string{"R", "P=851", "V=MAIN.a"}, 0, 0, 0, "", false, true},
		{"INT[]", []string{"N=0", "R", "P=851", "V=MAIN.a"}, 0, 0, 0, "", false, true},
		{"LREAL", []string{"R", "P=851", "G=0x4020"}, 0, 0, 0, "", false, true},
		{"UNKNOWN", []string{"R", "P=851", "V=MAIN.x"}, 0, 0, 0, "", false, true},
		{"LREAL", []string{"R", "P=851"}, 0, 0, 0, "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.function, func(t *testing.T) {
			a, err := ParseFunctionAddress(tt.function, tt.args)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAddress) {
					t.Errorf("ParseFunctionAddress(%q, %v) error = %v, want InvalidAddress", tt.function, tt.args, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseFunctionAddress(%q, %v) error: %v", tt.function, tt.args, err)
			}
			if a.Type != tt.typ || a.NElem != tt.nelem || a.Op != tt.op || a.Name != tt.name || a.Digital != tt.digital {
				t.Errorf("ParseFunctionAddress(%q) = %s %d %s %q digital=%v", tt.function, a.Type, a.NElem, a.Op, a.Name, a.Digital)
			}
			if a.Resolved() {
				t.Error("function address starts resolved")
			}
		})
	}
}

func TestAddressResolve(t *testing.T) {
	sym, err := ParseAddress("DINT R P=851 V=MAIN.n")
	if err != nil {
		t.Fatal(err)
	}
	if err := sym.Resolve(ads.IndexGroupSymbolValueByHandle, 0x42); err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if err := sym.Resolve(ads.IndexGroupSymbolValueByHandle, 0x43); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("second Resolve error = %v, want InvalidCall", err)
	}
	if _, offset, _ := sym.Location(); offset != 0x42 {
		t.Errorf("offset = 0x%X after rejected Resolve", offset)
	}
	if err := sym.Unresolve(); err != nil || sym.Resolved() {
		t.Errorf("Unresolve() = %v, resolved = %v", err, sym.Resolved())
	}

	num, err := ParseAddress("DINT R P=851 G=0x4020 O=0")
	if err != nil {
		t.Fatal(err)
	}
	if err := num.Unresolve(); !errors.Is(err, ErrInvalidCall) {
		t.Errorf("Unresolve(numeric) error = %v, want InvalidCall", err)
	}
	if !num.Resolved() {
		t.Error("numeric address lost its location")
	}
}

func TestAddressFormatting(t *testing.T) {
	a, err := ParseAddress("LREAL[N=3] R P=PLC_TC3 V=MAIN.a D=5")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := a.Specifier(), "LREAL[N=3] R P=851 V=MAIN.a D=5"; got != want {
		t.Errorf("Specifier() = %q, want %q", got, want)
	}
	a.Resolve(ads.IndexGroupSymbolValueByHandle, 0x3a2)
	if got, want := a.String(), "LREAL[3 elem/24 bytes] P=851 V=MAIN.a (handle G=0xf005 O=0x3a2)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	n, err := ParseAddress("UINT W P=851 G=0x4020 O=0x10")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := n.Specifier(), "UINT W P=851 G=0x4020 O=0x10"; got != want {
		t.Errorf("Specifier() = %q, want %q", got, want)
	}
	if got, want := n.String(), "UINT[1 elem/2 bytes] P=851 G=0x4020 O=0x10"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}

	back, err := ParseAddress(n.Specifier())
	if err != nil || back.Specifier() != n.Specifier() {
		t.Errorf("reparse of %q = %v, %v", n.Specifier(), back, err)
	}
}

func TestTransportKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"device error", &ads.AdsError{Code: ads.ErrDeviceError}, KindInternal},
		{"missing route", &ads.AdsError{Code: ads.ErrTargetMachineNotFound}, KindDisconnected},
		{"client sync timeout", &ads.AdsError{Code: ads.ErrClientSyncTimeout}, KindDisconnected},
		{"symbol not found", &ads.AdsError{Code: ads.ErrDeviceSymbolNotFound}, KindNotResolved},
		{"device timeout", &ads.AdsError{Code: ads.ErrDeviceTimeout}, KindTimeout},
		{"unmapped code", &ads.AdsError{Code: ads.ErrDeviceInvalidGrp}, KindUnhandledTransportCode},
		{"closed pipe", io.ErrClosedPipe, KindDisconnected},
		{"plain", errors.New("boom"), KindUnhandledTransportCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TransportKind(tt.err); got != tt.want {
				t.Errorf("TransportKind(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMatching(t *testing.T) {
	err := error(errorf("Initialize", KindNotResolved, "variable %s", "MAIN.x"))
	if !errors.Is(err, ErrNotResolved) {
		t.Error("errors.Is(NotResolved) = false")
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(Timeout) = true")
	}
	if got := err.Error(); got != "Initialize: not resolved: variable MAIN.x" {
		t.Errorf("Error() = %q", got)
	}
	if KindOf(errors.New("x")) != KindInternal {
		t.Error("KindOf(foreign) != KindInternal")
	}

	wrapped := fromTransport("Read", &ads.AdsError{Code: ads.ErrDeviceTimeout})
	var adsErr *ads.AdsError
	if !errors.Is(wrapped, ErrTimeout) || !errors.As(wrapped, &adsErr) {
		t.Errorf("fromTransport lost information: %v", wrapped)
	}
}
