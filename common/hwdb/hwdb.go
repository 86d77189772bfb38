package hwdb

import (
	"fmt"
	"os"
	"sort"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"gopkg.in/yaml.v3"
)

// RuntimeHWDB holds every hardware configuration named in config_hwdb.yaml.
type RuntimeHWDB struct {
	log logger.Logger

	configFile string
	entries    map[string]*RuntimeHWConfig
}

// LoadRuntimeHWDB parses the hwdb yaml file at path.
func LoadRuntimeHWDB(path string) (*RuntimeHWDB, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading hwdb file %s: %w", path, err)
	}
	return ParseRuntimeHWDB(raw, path)
}

// ParseRuntimeHWDB parses hwdb yaml content. The source name is used in
// error messages only.
func ParseRuntimeHWDB(raw []byte, source string) (*RuntimeHWDB, error) {
	var parsed map[string]hwconfigEntry
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing hwdb file %s: %w", source, err)
	}

	db := &RuntimeHWDB{
		log:        config.GetLogger("RuntimeHWDB "),
		configFile: source,
		entries:    make(map[string]*RuntimeHWConfig, len(parsed)),
	}
	for name, entry := range parsed {
		conf, err := newRuntimeHWConfig(name, entry, source)
		if err != nil {
			return nil, err
		}
		db.entries[name] = conf
	}

	db.log.Debug("Loaded %d hardware configurations from %s.", len(db.entries), source)
	return db, nil
}

// Get returns the named hardware configuration.
func (db *RuntimeHWDB) Get(name string) (*RuntimeHWConfig, error) {
	conf, ok := db.entries[name]
	if !ok {
		return nil, fmt.Errorf("%q is not a known hwdb entry (check %s)", name, db.configFile)
	}
	return conf, nil
}

// Names returns the entry names in sorted order.
func (db *RuntimeHWDB) Names() []string {
	names := make([]string, 0, len(db.entries))
	for name := range db.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
