package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件以及其引用的 ManifestFile，任一文件变更并重新校验通过后调用 onChange；
// 解析或校验失败时调用 onError，调用方应继续使用旧配置。
// ManifestFile 以启动时解析到的路径为准。
func Watch(path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}
	manifestFile := ""
	if cfg, err := decode(v); err == nil {
		manifestFile = cfg.Cache.ManifestFile
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		deliver(cfg, err, onChange, onError)
	})
	v.WatchConfig()

	if manifestFile != "" {
		return watchManifest(path, manifestFile, onChange, onError)
	}
	return nil
}

// watchManifest 监听 manifest 所在目录（编辑器常以 rename 方式保存），
// 清单变化时重新加载完整配置。
func watchManifest(configPath, manifestPath string, onChange func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("监听 manifest 失败: %w", err)
	}
	manifestPath = filepath.Clean(manifestPath)
	if err := watcher.Add(filepath.Dir(manifestPath)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("监听 manifest 失败: %w", err)
	}

	go func() {
		for {
			select {
			case e, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(e.Name) != manifestPath {
					continue
				}
				if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(configPath)
				deliver(cfg, err, onChange, onError)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return nil
}

func deliver(cfg *Config, err error, onChange func(*Config), onError func(error)) {
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if onChange != nil {
		onChange(cfg)
	}
}
