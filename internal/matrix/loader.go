package matrix

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"
)

// LoadDir reads every *.ini file in dir. The file base name is the
// manufacturer, each section a printer. Keys from the DEFAULT section are
// inherited by every printer of that file.
func LoadDir(dir string) (*Matrix, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.ini"))
	if err != nil {
		return nil, fmt.Errorf("failed to list config files: %w", err)
	}

	raw := make(map[string]map[string]map[string]string, len(files))
	for _, file := range files {
		manufacturer := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
		printers, err := loadFile(file)
		if err != nil {
			return nil, err
		}
		raw[manufacturer] = printers
	}

	return New(raw), nil
}

func loadFile(path string) (map[string]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys: true,
		InsensitiveKeys:  true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	defaults := f.Section(ini.DefaultSection).KeysHash()

	printers := make(map[string]map[string]string)
	for _, section := range f.Sections() {
		if section.Name() == ini.DefaultSection {
			continue
		}
		values := make(map[string]string, len(defaults))
		for k, v := range defaults {
			values[k] = v
		}
		for k, v := range section.KeysHash() {
			values[k] = v
		}
		printers[section.Name()] = values
	}
	return printers, nil
}
