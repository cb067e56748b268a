package env

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestMergeLayers(t *testing.T) {
	e := New(false)
	e.SetAll([]string{"PATH=/usr/lib/plugins:/bin", "LANG=C", "bad", "=nokey"})
	e.Set("PLUGINS", "/usr/lib/plugins")
	got := e.Merge([]string{"LANG=en_US.UTF-8", "CHECK_DIR=${PLUGINS}/extra"})
	want := []string{
		"CHECK_DIR=/usr/lib/plugins/extra",
		"LANG=en_US.UTF-8",
		"PATH=/usr/lib/plugins:/bin",
		"PLUGINS=/usr/lib/plugins",
	}
	if !slices.Equal(got, want) {
		t.Fatalf("Merge = %v, want %v", got, want)
	}
}

func TestMergeInheritsOS(t *testing.T) {
	t.Setenv("CHECKENGINE_ENV_TEST", "from-os")
	got := New(true).Merge(nil)
	if !slices.Contains(got, "CHECKENGINE_ENV_TEST=from-os") {
		t.Fatalf("inherited environment missing test variable")
	}
	if slices.Contains(New(false).Merge(nil), "CHECKENGINE_ENV_TEST=from-os") {
		t.Fatalf("environment inherited without inheritOS")
	}
}

func TestExpand(t *testing.T) {
	m := Var{"A": "1", "B": "two"}
	cases := map[string]string{
		"plain":        "plain",
		"${A}":         "1",
		"x${A}y${B}z":  "x1ytwoz",
		"${MISSING}-x": "-x",
		"${A":          "${A",
		"$A":           "$A",
	}
	for in, want := range cases {
		if got := expand(in, m); got != want {
			t.Fatalf("expand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "checks.env")
	data := strings.Join([]string{
		"# plugin settings",
		"",
		"export USER1=/usr/lib/nagios/plugins",
		`SNMP_COMMUNITY="public"`,
		"TIMEOUT = 10",
	}, "\n")
	if err := os.WriteFile(p, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	e := New(false)
	if err := e.LoadFile(p); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if e.Var["USER1"] != "/usr/lib/nagios/plugins" || e.Var["SNMP_COMMUNITY"] != "public" || e.Var["TIMEOUT"] != "10" {
		t.Fatalf("unexpected vars: %v", e.Var)
	}

	if err := os.WriteFile(p, []byte("NOT A PAIR\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := New(false).LoadFile(p); err == nil {
		t.Fatalf("expected error for malformed line")
	}
	if err := New(false).LoadFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
