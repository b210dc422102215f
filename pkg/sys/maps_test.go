package sys

import (
	"strings"
	"testing"
)

const testMaps = `00400000-0040b000 r-xp 00000000 08:01 1186       /usr/bin/cat
0060a000-0060b000 rw-p 0000a000 08:01 1186       /usr/bin/cat
0178b000-017ac000 rw-p 00000000 00:00 0          [heap]
7f0c1c000000-7f0c1c021000 rw-p 00000000 00:00 0 
7ffd3bd31000-7ffd3bd52000 rw-p 00000000 00:00 0          [stack]
7ffd3bdf3000-7ffd3bdf5000 r--p 00000000 00:00 0          [vvar]
7f0c1e000000-7f0c1e001000 r--s 00000000 08:01 42         /tmp/a file with spaces
`

func TestParseMaps(t *testing.T) {
	entries, err := ParseMaps(strings.NewReader(testMaps))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 7 {
		t.Fatalf("expected 7 entries, got %d", len(entries))
	}
	text := entries[0]
	if text.Start != 0x400000 || text.End != 0x40b000 || text.Perm != PermRead|PermExec|PermPrivate {
		t.Errorf("bad text entry %+v", text)
	}
	if text.Inode != 1186 || text.Path != "/usr/bin/cat" || text.Anonymous() {
		t.Errorf("bad text backing %+v", text)
	}
	anon := entries[3]
	if anon.Path != "" || !anon.Anonymous() || anon.Perm.Access() != PermRead|PermWrite {
		t.Errorf("bad anonymous entry %+v", anon)
	}
	if entries[4].Path != "[stack]" {
		t.Errorf("bad stack entry %+v", entries[4])
	}
	if entries[6].Path != "/tmp/a file with spaces" || entries[6].Perm&PermPrivate != 0 {
		t.Errorf("bad shared entry %+v", entries[6])
	}
}

func TestParseMapsMalformed(t *testing.T) {
	for _, in := range []string{
		"00400000 r-xp 00000000 08:01 1186 /usr/bin/cat",
		"00400000-0040b000 r-x 00000000 08:01 1186",
		"00400000-0040b000 r-xp 00000000 08:01",
		"0040b000-00400000 r-xp 00000000 08:01 1",
		"zz-0040b000 r-xp 00000000 08:01 1",
	} {
		if _, err := ParseMaps(strings.NewReader(in)); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestPermString(t *testing.T) {
	if s := ParsePerm("rw-p").String(); s != "rw-p" {
		t.Errorf("got %q", s)
	}
	if s := ParsePerm("r-xs").String(); s != "r-xs" {
		t.Errorf("got %q", s)
	}
}
