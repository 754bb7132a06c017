package bootcfg

import (
	"os"
	"path/filepath"
	"strings"
)

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	_ = f.Sync()
	return nil
}

// writeFileAtomic writes via a sibling tmp file and rename so a crash never
// leaves a half-written boot configuration behind.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return fsyncDir(dir)
}

// ensureLine appends line to the file at path unless it is already present.
func ensureLine(path, line string) error {
	data := ""
	if b, err := os.ReadFile(path); err == nil {
		data = string(b)
	} else if !os.IsNotExist(err) {
		return err
	}
	for _, existing := range strings.Split(data, "\n") {
		if strings.TrimSpace(existing) == line {
			return nil
		}
	}
	if data != "" && !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	data += line + "\n"
	return writeFileAtomic(path, []byte(data), 0o644)
}
