package link

import (
	"strings"
	"testing"

	"pgregory.net/rapid"
)

const identifierRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-"

func genIdentifier(t *rapid.T, label string) string {
	runes := rapid.SliceOfN(rapid.RuneFrom([]rune(identifierRunes)), 1, 30).Draw(t, label)
	return string(runes)
}

func TestSanitizeIdentifierAcceptsAllowedCharset(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := genIdentifier(t, "value")
		got, err := SanitizeIdentifier(value, "host")
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", value, err)
		}
		if got != value {
			t.Fatalf("value was altered: %q -> %q", value, got)
		}
	})
}

func TestSanitizeIdentifierRejectsBadRunes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := genIdentifier(t, "value")
		bad := rapid.RuneFrom([]rune(" ;$'\"`\\/\n\t@:&|<>")).Draw(t, "bad")
		pos := rapid.IntRange(0, len(value)).Draw(t, "pos")
		poisoned := value[:pos] + string(bad) + value[pos:]

		if _, err := SanitizeIdentifier(poisoned, "host"); err == nil {
			t.Fatalf("expected rejection of %q", poisoned)
		}
	})
}

func TestSanitizeIdentifierRejectsEmpty(t *testing.T) {
	_, err := SanitizeIdentifier("", "ssh_user")
	if err == nil {
		t.Fatal("expected error for empty identifier")
	}
	if !strings.Contains(err.Error(), "ssh_user") {
		t.Fatalf("error should name the field, got %q", err.Error())
	}
}

func TestSanitizeDevicePath(t *testing.T) {
	good := []string{"/dev/ttyUSB0", "/dev/tty.usbserial-1420", "/dev/serial/by-id/usb-abc_123"}
	for _, path := range good {
		got, err := SanitizeDevicePath(path)
		if err != nil {
			t.Errorf("unexpected error for %q: %v", path, err)
		}
		if got != path {
			t.Errorf("path was altered: %q -> %q", path, got)
		}
	}

	bad := []string{"", "ttyUSB0", "/tmp/evil", "/dev/tty USB0", "/dev/tty;reboot", "/dev/tty'0"}
	for _, path := range bad {
		if _, err := SanitizeDevicePath(path); err == nil {
			t.Errorf("expected rejection of %q", path)
		}
	}
}

func TestNormalizeCommand(t *testing.T) {
	accepted := map[string]byte{
		"F":        'F',
		"f":        'F',
		"b":        'B',
		" l ":      'L',
		"right":    'R',
		"q":        'Q',
		"e":        'E',
		"s":        'S',
		"S please": 'S',
	}
	for input, expected := range accepted {
		got, err := NormalizeCommand(input)
		if err != nil {
			t.Errorf("unexpected error for %q: %v", input, err)
			continue
		}
		if got != expected {
			t.Errorf("NormalizeCommand(%q) = %c, expected %c", input, got, expected)
		}
	}

	rejected := []string{"", "   ", "x", "7", "!f"}
	for _, input := range rejected {
		if _, err := NormalizeCommand(input); err == nil {
			t.Errorf("expected rejection of %q", input)
		}
	}
}

// parseSingleQuoted undoes POSIX single quoting of the exact shape ShellQuote
// emits: '...' segments with \' escapes between them.
func parseSingleQuoted(t *rapid.T, quoted string) string {
	var out strings.Builder
	i := 0
	for i < len(quoted) {
		switch quoted[i] {
		case '\'':
			i++
			for i < len(quoted) && quoted[i] != '\'' {
				out.WriteByte(quoted[i])
				i++
			}
			if i >= len(quoted) {
				t.Fatalf("unterminated quote in %q", quoted)
			}
			i++
		case '\\':
			if i+1 >= len(quoted) {
				t.Fatalf("dangling backslash in %q", quoted)
			}
			out.WriteByte(quoted[i+1])
			i += 2
		default:
			t.Fatalf("unquoted byte %q in %q", quoted[i], quoted)
		}
	}
	return out.String()
}

func TestShellQuoteRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		value := rapid.String().Draw(t, "value")
		quoted := ShellQuote(value)
		if parsed := parseSingleQuoted(t, quoted); parsed != value {
			t.Fatalf("round trip failed: %q -> %q -> %q", value, quoted, parsed)
		}
	})
}

func TestClampDuration(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.IntRange(-1000000, 1000000).Draw(t, "v")
		got := ClampDuration(v)
		if got < 0 || got > 10000 {
			t.Fatalf("ClampDuration(%d) = %d, out of [0, 10000]", v, got)
		}
		if v >= 0 && v <= 10000 && got != v {
			t.Fatalf("in-range value altered: %d -> %d", v, got)
		}
	})
}

func TestClampBaud(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.IntRange(-10, 10000000).Draw(t, "v")
		got := ClampBaud(v)
		if got < 1200 || got > 1000000 {
			t.Fatalf("ClampBaud(%d) = %d, out of [1200, 1000000]", v, got)
		}
		if v >= 1200 && v <= 1000000 && got != v {
			t.Fatalf("in-range value altered: %d -> %d", v, got)
		}
	})
}
