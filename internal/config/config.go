// Package config carries engine options and loads them from HuJSON
// (JSON-with-comments) files, so a deployment's options file can be
// commented and trailing-comma'd like any hand-edited config.
package config

import (
	"encoding/json"
	"os"

	"github.com/tailscale/hujson"

	"github.com/rthomasv3/GaldrDb-sub002/internal/galdrerr"
	"github.com/rthomasv3/GaldrDb-sub002/internal/page"
)

// Options configures an engine instance.
type Options struct {
	// PageSize is the on-disk page size in bytes: a power of two between
	// 4096 and 65536. Fixed at create time.
	PageSize int `json:"page_size"`
	// UseWAL enables the write-ahead log.
	UseWAL bool `json:"use_wal"`
	// UseMmap selects the memory-mapped block device over plain file I/O.
	UseMmap bool `json:"use_mmap"`
	// CacheBytes bounds the committed-page read cache. Zero disables it.
	CacheBytes int `json:"cache_bytes"`
}

// Default returns the options used when the caller specifies nothing.
func Default() Options {
	return Options{
		PageSize:   page.MinPageSize,
		CacheBytes: 4 << 20,
	}
}

// Validate checks o for values the engine cannot honor.
func (o Options) Validate() error {
	if err := page.ValidatePageSize(o.PageSize); err != nil {
		return err
	}
	if o.CacheBytes < 0 {
		return galdrerr.InvalidArgument("cache_bytes %d is negative", o.CacheBytes)
	}
	return nil
}

// LoadFile reads options from a HuJSON file. Fields absent from the file
// keep their defaults.
func LoadFile(path string) (Options, error) {
	o := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return o, galdrerr.IO(err, "read config %s", path)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return o, galdrerr.Wrap(galdrerr.KindInvalidArgument, err, "parse config %s", path)
	}
	if err := json.Unmarshal(std, &o); err != nil {
		return o, galdrerr.Wrap(galdrerr.KindInvalidArgument, err, "decode config %s", path)
	}
	if err := o.Validate(); err != nil {
		return o, err
	}
	return o, nil
}
