// Package config parses the mergeTree/perspectives fragment of the daemon
// configuration object. The surrounding daemon config
// (user/group/chroot/wss/tunnels/passdb) belongs to the external
// supervisor; this package parses only the db-level fragment this module
// owns.
package config

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/perspectivedb/pkg/item"
)

// Perspective is one entry of a db's perspectives list.
type Perspective struct {
	Name     string `yaml:"name"`
	Import   bool   `yaml:"import"`
	Export   bool   `yaml:"export"`
	Username string `yaml:"username,omitempty"`
	Database string `yaml:"database,omitempty"`
	Port     int    `yaml:"port,omitempty"`
}

// DB is one entry of the top-level dbs list.
type DB struct {
	Name         string        `yaml:"name"`
	MergeTree    MergeTreeCfg  `yaml:"mergeTree"`
	Perspectives []Perspective `yaml:"perspectives"`
}

// MergeTreeCfg is the mergeTree sub-object of one db.
type MergeTreeCfg struct {
	VSize int `yaml:"vSize"`
}

// Config is the dbs fragment of the daemon configuration: everything this
// module's core needs; the rest of the HJSON object is the supervisor's.
type Config struct {
	Dbs []DB `yaml:"dbs"`
}

// Load reads and parses path, defaulting each db's vSize to
// item.DefaultVersionSize. A vSize at or below 3 bytes collides at
// roughly 2^12 items per id, so it is warned about rather than refused.
func Load(path string, log *logrus.Logger) (Config, error) {
	if log == nil {
		log = logrus.New()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i := range cfg.Dbs {
		db := &cfg.Dbs[i]
		if db.MergeTree.VSize == 0 {
			db.MergeTree.VSize = item.DefaultVersionSize
		}
		if db.MergeTree.VSize <= 3 {
			log.WithFields(logrus.Fields{"db": db.Name, "vSize": db.MergeTree.VSize}).
				Warn("config: vSize at or below 3 bytes collides at roughly 2^12 items per id")
		}
	}

	return cfg, nil
}
