// Package kconfig centralizes the tunables the teacher scatters as
// package-level consts (page size, NOFILE, S5 free-list array length,
// ...) behind one struct, loadable from a config file or environment
// via viper the way a hosted system (as opposed to a bare-metal boot
// line) naturally configures itself.
package kconfig

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds every tunable shared across the core subsystems.
type Config struct {
	PageSize int `mapstructure:"page_size"`

	// NOFILE is the fixed size of each process's fd table.
	NOFILE int `mapstructure:"nofile"`

	// NameMax records the S5FS dirent name length. No code reads it:
	// s5fs checks names against its own dirent layout.
	NameMax int `mapstructure:"name_max"`

	// MaxProcs records a process-count limit. No code reads it: proc
	// allocates PIDs without consulting this bound.
	MaxProcs int `mapstructure:"max_procs"`

	// S5 filesystem geometry.
	S5BlockSize      int `mapstructure:"s5_block_size"`
	S5NDirect        int `mapstructure:"s5_ndirect"`
	S5NIndirect      int `mapstructure:"s5_nindirect"`
	S5FreeBlockSlots int `mapstructure:"s5_free_block_slots"`
	S5InodeSize      int `mapstructure:"s5_inode_size"`
	S5DirentSize     int `mapstructure:"s5_dirent_size"`
}

// Default returns the configuration spec.md's constants imply: a
// 4096-byte page/block, a 4096-byte S5 block holding 1024 32-bit
// indirect-block entries, a superblock free-block array sized to fill
// the rest of the superblock's own block after its six header words,
// and modest process/fd limits appropriate for an educational kernel.
func Default() *Config {
	return &Config{
		PageSize:         4096,
		NOFILE:           64,
		NameMax:          60,
		MaxProcs:         4096,
		S5BlockSize:      4096,
		S5NDirect:        12,
		S5NIndirect:      1024,
		S5FreeBlockSlots: 1018,
		S5InodeSize:      64,
		S5DirentSize:     64,
	}
}

// Load reads overrides from a config file (if path is non-empty) and
// from KCORE_-prefixed environment variables, layered over Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("kcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("page_size", cfg.PageSize)
	v.SetDefault("nofile", cfg.NOFILE)
	v.SetDefault("name_max", cfg.NameMax)
	v.SetDefault("max_procs", cfg.MaxProcs)
	v.SetDefault("s5_block_size", cfg.S5BlockSize)
	v.SetDefault("s5_ndirect", cfg.S5NDirect)
	v.SetDefault("s5_nindirect", cfg.S5NIndirect)
	v.SetDefault("s5_free_block_slots", cfg.S5FreeBlockSlots)
	v.SetDefault("s5_inode_size", cfg.S5InodeSize)
	v.SetDefault("s5_dirent_size", cfg.S5DirentSize)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
