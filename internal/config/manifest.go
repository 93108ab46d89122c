package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile 是前端构建产出的资源清单：
//
//	generation: app-cache-v2
//	assets:
//	  - /
//	  - /index.html
type ManifestFile struct {
	Generation string   `yaml:"generation"`
	Assets     []string `yaml:"assets"`
}

// LoadManifestFile 读取 YAML 清单，未知字段视为错误以便尽早发现拼写问题。
func LoadManifestFile(path string) (*ManifestFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 manifest 失败: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var file ManifestFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("解析 manifest 失败: %w", err)
	}

	file.Generation = strings.TrimSpace(file.Generation)
	assets := make([]string, 0, len(file.Assets))
	for _, asset := range file.Assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			return nil, errors.New("manifest 含有空条目")
		}
		assets = append(assets, asset)
	}
	file.Assets = assets
	return &file, nil
}
