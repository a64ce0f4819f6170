package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
)

type Config struct {
	Server Server `toml:"server"`
	Engine Engine `toml:"engine"` // Engine options.
	Tablet Tablet `toml:"tablet"` // Tablet options.
}

type Server struct {
	StoreAddr  string `toml:"store-addr"`
	StatusAddr string `toml:"status-addr"`
	LogLevel   string `toml:"log-level"`
	MaxProcs   int    `toml:"max-procs"` // Max CPU cores to use, set 0 to use all CPU cores in the machine.
}

type Engine struct {
	DBPath           string `toml:"db-path"`             // Directory to store the data in. Should exist and be writable.
	ValueThreshold   int    `toml:"value-threshold"`     // If value size >= this threshold, only store value offsets in tree.
	MaxTableSize     int64  `toml:"max-table-size"`      // Each table is at most this size.
	NumMemTables     int    `toml:"num-mem-tables"`      // Maximum number of tables to keep in memory, before stalling.
	NumL0Tables      int    `toml:"num-L0-tables"`       // Maximum number of Level 0 tables before we start compacting.
	NumL0TablesStall int    `toml:"num-L0-tables-stall"` // Maximum number of Level 0 tables before stalling.
	VlogFileSize     int64  `toml:"vlog-file-size"`      // Value log file size.
	BlockCacheSize   int64  `toml:"block-cache-size"`
	SurfStartLevel   int    `toml:"surf-start-level"`

	// Sync all writes to disk. Setting this to true would slow down data loading significantly.
	SyncWrite     bool `toml:"sync-write"`
	NumCompactors int  `toml:"num-compactors"`
}

type Tablet struct {
	// The longest a write waits for its row locks before it is rejected with
	// a lock wait timeout. Zero means wait forever.
	LockWaitTimeout string `toml:"lock-wait-timeout"`
	// How far the garbage collection horizon is kept behind the oldest read
	// point. Raising it retains more history for long snapshots.
	SafeTimeLag string `toml:"safe-time-lag"`
}

const MB = 1024 * 1024

var DefaultConf = Config{
	Server: Server{
		StoreAddr:  "127.0.0.1:9191",
		StatusAddr: "127.0.0.1:9291",
		LogLevel:   "info",
		MaxProcs:   0,
	},
	Engine: Engine{
		DBPath:           "/tmp/tabletstore",
		ValueThreshold:   256,
		MaxTableSize:     64 * MB,
		NumMemTables:     3,
		NumL0Tables:      4,
		NumL0TablesStall: 8,
		VlogFileSize:     256 * MB,
		BlockCacheSize:   512 * MB,
		SyncWrite:        true,
		NumCompactors:    1,
	},
	Tablet: Tablet{
		LockWaitTimeout: "1s",
		SafeTimeLag:     "0s",
	},
}

// Load returns the default configuration overridden by the TOML file at path,
// if any.
func Load(path string) *Config {
	conf := DefaultConf
	if path != "" {
		_, err := toml.DecodeFile(path, &conf)
		if err != nil {
			panic(err)
		}
	}
	return &conf
}

func ParseDuration(durString string) time.Duration {
	dur, err := time.ParseDuration(durString)
	if err != nil {
		dur, err = time.ParseDuration(durString + "s")
	}
	if err != nil || dur < 0 {
		log.Fatalf("invalid duration=%v", durString)
	}
	return dur
}
