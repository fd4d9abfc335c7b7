// Package config loads config.yaml and watches it for changes.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`
	Forest   ForestConfig `yaml:"forest"`
	Features struct {
		Resolution int `yaml:"resolution"`
		CacheSize  int `yaml:"cache_size"`
		Workers    int `yaml:"workers"`
	} `yaml:"features"`
}

type ForestConfig struct {
	NumTrees      int   `yaml:"num_trees"`
	MaxDepth      int   `yaml:"max_depth"`
	MaxThresholds int   `yaml:"max_thresholds"`
	Seed          int64 `yaml:"seed"` // 0 seeds from the clock
}

func Default() *Config {
	var c Config
	c.Server.Port = 8080
	c.Server.Timeout = 60 * time.Second
	c.Server.AllowedOrigins = []string{"*"}
	c.Server.MaxBodyBytes = 64 << 20
	c.Database.Path = "imageforest.db"
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	c.Log.MaxAgeDays = 28
	c.Forest.NumTrees = 50
	c.Forest.MaxDepth = 10
	c.Forest.MaxThresholds = 5
	c.Features.Resolution = 32
	c.Features.CacheSize = 1024
	return &c
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Watch calls onChange with the freshly loaded config whenever path is
// written. It stops when done is closed.
func Watch(path string, logger *zap.Logger, done <-chan struct{}, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// editors replace files, so watch the directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(path)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
					continue
				}
				config, err := Load(path)
				if err != nil {
					logger.Warn("config reload failed", zap.String("path", path), zap.Error(err))
					continue
				}
				logger.Info("config reloaded", zap.String("path", path))
				onChange(config)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
