package sys

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ProcMaps enumerates the regions of a process through /proc/<pid>/maps.
// A zero Pid means the calling process.
type ProcMaps struct {
	Pid int
}

func (p ProcMaps) path() string {
	if p.Pid == 0 {
		return "/proc/self/maps"
	}
	return fmt.Sprintf("/proc/%d/maps", p.Pid)
}

func (p ProcMaps) EnumerateRegions() ([]MapEntry, error) {
	fh, err := os.Open(p.path())
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return ParseMaps(fh)
}

// ParseMaps parses the contents of a /proc/pid/maps file.
func ParseMaps(r io.Reader) ([]MapEntry, error) {
	var out []MapEntry
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	lineno := 0
	for s.Scan() {
		lineno++
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		e, err := parseMapsLine(lineno, line)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nextField splits the first space separated field off in.
func nextField(in string) (field, rest string) {
	in = strings.TrimLeft(in, " \t")
	i := strings.IndexAny(in, " \t")
	if i < 0 {
		return in, ""
	}
	return in[:i], in[i:]
}

func parseMapsLine(lineno int, in string) (e MapEntry, err error) {
	var fields [5]string
	rest := in
	for i := range fields {
		fields[i], rest = nextField(rest)
		if fields[i] == "" {
			return e, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (wrong number of fields)", lineno, in)
		}
	}

	v := strings.Split(fields[0], "-")
	if len(v) != 2 {
		return e, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (bad first field)", lineno, in)
	}
	if e.Start, err = strconv.ParseUint(v[0], 16, 64); err != nil {
		return e, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}
	if e.End, err = strconv.ParseUint(v[1], 16, 64); err != nil {
		return e, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}
	if e.End <= e.Start {
		return e, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (empty range)", lineno, in)
	}

	if len(fields[1]) < 4 {
		return e, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (permissions column too short)", lineno, in)
	}
	e.Perm = ParsePerm(fields[1])

	if e.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return e, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}
	e.Dev = fields[3]
	if e.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return e, fmt.Errorf("malformed /proc/pid/maps on line %d: %q (%v)", lineno, in, err)
	}
	e.Path = strings.TrimSpace(rest)
	return e, nil
}
