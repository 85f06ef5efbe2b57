// Package config 实现代码缓存的会话打开配置
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/tangzhangming/novacache/internal/codecache"
)

// 常量定义
const (
	ConfigFileName = "novacache.toml" // 配置文件名
)

// Config 缓存配置
type Config struct {
	Cache   CacheSection   `toml:"cache"`
	Preload PreloadSection `toml:"preload"`
}

// CacheSection 归档会话配置
type CacheSection struct {
	// Read 启用读取（启动时加载已有归档）
	Read bool `toml:"read"`

	// Write 启用写入（关闭时定稿归档）
	Write bool `toml:"write"`

	// Path 归档文件路径
	Path string `toml:"path"`

	// StagingSize 暂存区容量（字节），0 取默认值
	StagingSize uint32 `toml:"staging_size"`

	// MaxSectionSize 加载时接纳的单节上限（字节），0 不限
	MaxSectionSize uint32 `toml:"max_section_size"`
}

// PreloadSection 预载配置
type PreloadSection struct {
	// Enabled 是否在启动时预载
	Enabled bool `toml:"enabled"`

	// Exclude 预载排除的产物名
	Exclude []string `toml:"exclude"`
}

// Default 生成默认配置
func Default(dir string) *Config {
	return &Config{
		Cache: CacheSection{
			Read:  true,
			Write: true,
			Path:  filepath.Join(dir, "code"+codecache.ArchiveFileExtension),
		},
		Preload: PreloadSection{
			Enabled: true,
		},
	}
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	content := generateConfigWithComments(c)

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// generateConfigWithComments 生成带注释的配置文件内容
func generateConfigWithComments(c *Config) string {
	var sb strings.Builder

	sb.WriteString("[cache]\n")
	sb.WriteString("# 启用读取（启动时加载已有归档）\n")
	sb.WriteString(fmt.Sprintf("read = %v\n\n", c.Cache.Read))
	sb.WriteString("# 启用写入（关闭时定稿归档）\n")
	sb.WriteString(fmt.Sprintf("write = %v\n\n", c.Cache.Write))
	sb.WriteString("# 归档文件路径\n")
	sb.WriteString(fmt.Sprintf("path = %q\n\n", c.Cache.Path))
	sb.WriteString("# 暂存区容量（字节），0 取默认值\n")
	sb.WriteString(fmt.Sprintf("staging_size = %d\n\n", c.Cache.StagingSize))
	sb.WriteString("# 加载时接纳的单节上限（字节），0 不限\n")
	sb.WriteString(fmt.Sprintf("max_section_size = %d\n\n", c.Cache.MaxSectionSize))
	sb.WriteString("[preload]\n")
	sb.WriteString("# 是否在启动时预载\n")
	sb.WriteString(fmt.Sprintf("enabled = %v\n", c.Preload.Enabled))
	if len(c.Preload.Exclude) > 0 {
		sb.WriteString("# 预载排除的产物名\n")
		sb.WriteString("exclude = [")
		for i, name := range c.Preload.Exclude {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%q", name))
		}
		sb.WriteString("]\n")
	}

	return sb.String()
}

// Options 转换为会话打开选项
func (c *Config) Options() codecache.Options {
	return codecache.Options{
		Path:               c.Cache.Path,
		ReadEnabled:        c.Cache.Read,
		WriteEnabled:       c.Cache.Write,
		StagingSize:        c.Cache.StagingSize,
		MaxLoadSectionSize: c.Cache.MaxSectionSize,
		PreloadEnabled:     c.Preload.Enabled,
		PreloadExclude:     c.Preload.Exclude,
	}
}

// FindConfigFile 从指定路径向上查找配置文件
// 返回配置文件的完整路径，如果找不到则返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}

	var dir string
	if info.IsDir() {
		dir = startPath
	} else {
		dir = filepath.Dir(startPath)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
