package cmdline

import (
	"errors"
	"reflect"
	"testing"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"/bin/true", []string{"/bin/true"}},
		{"  echo   hi  ", []string{"echo", "hi"}},
		{"echo\thi", []string{"echo", "hi"}},
		{`check_http -H 'my host' -u "/a b"`, []string{"check_http", "-H", "my host", "-u", "/a b"}},
		{`echo ''`, []string{"echo", ""}},
		{`echo a\ b`, []string{"echo", "a b"}},
		{`echo "say \"hi\""`, []string{"echo", `say "hi"`}},
		{`echo 'it"s'`, []string{"echo", `it"s`}},
		{`echo \\`, []string{"echo", `\`}},
		{`echo x\`, []string{"echo", `x\`}},
		{`sh -c 'echo $HOME | wc -c'`, []string{"sh", "-c", "echo $HOME | wc -c"}},
	}
	for _, c := range cases {
		got, err := Split(c.in)
		if err != nil {
			t.Fatalf("Split(%q): %v", c.in, err)
		}
		if !reflect.DeepEqual(got, c.want) {
			t.Fatalf("Split(%q) = %#v, want %#v", c.in, got, c.want)
		}
	}
}

func TestSplitErrors(t *testing.T) {
	if _, err := Split("   "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Split(`echo "unterminated`); !errors.Is(err, ErrUnterminatedQuote) {
		t.Fatalf("expected ErrUnterminatedQuote, got %v", err)
	}
}
