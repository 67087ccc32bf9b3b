package codec

import (
	"errors"
	"testing"
)

type signal struct {
	Type   string `json:"type" yaml:"type"`
	Origin string `json:"origin" yaml:"origin"`
}

func TestLookupBuiltins(t *testing.T) {
	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			s, err := Lookup(format)
			if err != nil {
				t.Fatalf("Lookup(%q): %v", format, err)
			}
			if s.Format() != format {
				t.Fatalf("expected format %q, got %q", format, s.Format())
			}

			in := signal{Type: "destroyed", Origin: "abc"}
			b, err := s.Marshal(in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var out signal
			if err := s.Unmarshal(b, &out); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if out != in {
				t.Fatalf("expected %+v, got %+v", in, out)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("pof")
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

type rawSerializer struct{}

func (rawSerializer) Format() string { return "raw-test" }
func (rawSerializer) Marshal(v any) ([]byte, error) {
	return []byte(v.(string)), nil
}
func (rawSerializer) Unmarshal(data []byte, v any) error {
	*(v.(*string)) = string(data)
	return nil
}

func TestRegister(t *testing.T) {
	if err := Register(rawSerializer{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	s, err := Lookup("raw-test")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if s.Format() != "raw-test" {
		t.Fatalf("unexpected format %q", s.Format())
	}

	found := false
	for _, f := range Formats() {
		if f == "raw-test" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected raw-test in %v", Formats())
	}

	if err := Register(nil); err == nil {
		t.Fatal("expected error registering nil serializer")
	}
}
