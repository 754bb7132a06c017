package mounttree

import (
	"path/filepath"
	"strings"
)

// FstabEntry is one parsed line of an fstab mount table.
type FstabEntry struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

// ParseFstab parses fstab data structurally; comments and blank lines are
// skipped, malformed lines are ignored.
func ParseFstab(data []byte) []FstabEntry {
	var out []FstabEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		out = append(out, FstabEntry{
			Source:  fields[0],
			Target:  fields[1],
			FSType:  fields[2],
			Options: strings.Split(fields[3], ","),
		})
	}
	return out
}

// LookupTarget returns the entry mounted at target, if any.
func LookupTarget(entries []FstabEntry, target string) (FstabEntry, bool) {
	for _, e := range entries {
		if e.Target == target {
			return e, true
		}
	}
	return FstabEntry{}, false
}

// RewriteOverlayOptions rewrites the directory options of an overlay entry
// so every absolute path lands under root. lowerdir may hold several
// colon-separated layers; the remaining options pass through unchanged.
func RewriteOverlayOptions(opts []string, root string) []string {
	out := make([]string, 0, len(opts))
	for _, o := range opts {
		key, val, found := strings.Cut(o, "=")
		if !found {
			out = append(out, o)
			continue
		}
		switch key {
		case "lowerdir", "upperdir", "workdir":
			dirs := strings.Split(val, ":")
			for i, d := range dirs {
				if strings.HasPrefix(d, "/") {
					dirs[i] = filepath.Join(root, d)
				}
			}
			out = append(out, key+"="+strings.Join(dirs, ":"))
		default:
			out = append(out, o)
		}
	}
	return out
}
