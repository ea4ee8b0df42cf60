// Package config loads the broker's INI-style configuration file.
// Config-file loading is out of scope for the broker's core per the
// specification, so this is a minimal stdlib reader — no ecosystem
// INI/viper library appears anywhere in the example pack to ground a
// richer implementation on.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the typed view of broker.cfg.
type Config struct {
	// [general]
	Host            string
	Port            int
	Plugins         []string
	CleanerInterval int // seconds; not read by the cleanup scheduler, which ticks every second

	// [services]
	MonitorURL        string
	ControllerURL     string
	VisualizerURL     string
	AuthorizationURL  string
	EnableAuth        bool

	// [persistence]
	PersistenceEngine string // "bolt" | "redis"
	DataDir           string // BoltStore directory
	RedisAddr         string // RedisStore address

	// [kubejobs]
	K8sConfPath string
	WorkQueueImage string

	// broker-wide secret used to derive the credential-encryption key
	Secret string

	// SSHPublicKeyPath is served verbatim by GET /key.
	SSHPublicKeyPath string

	// ClusterProfileRoot is the directory cluster profiles are stored under.
	ClusterProfileRoot string
}

// Default returns a Config with the broker's out-of-the-box values.
func Default() Config {
	return Config{
		Host:               "0.0.0.0",
		Port:               8080,
		Plugins:            []string{"kubejobs"},
		CleanerInterval:    1,
		PersistenceEngine:  "bolt",
		DataDir:            "./data",
		RedisAddr:          "127.0.0.1:6379",
		K8sConfPath:        "./data/conf",
		WorkQueueImage:     "redis:7",
		ClusterProfileRoot: "./data/clusters",
	}
}

// Load reads an INI-style file at path, overlaying onto Default().
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	section := ""
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSuffix(strings.TrimPrefix(line, "["), "]"))
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if err := cfg.set(section, key, value); err != nil {
			return cfg, err
		}
	}
	if err := scanner.Err(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) set(section, key, value string) error {
	switch section {
	case "general":
		switch key {
		case "host":
			c.Host = value
		case "port":
			p, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("general.port: %w", err)
			}
			c.Port = p
		case "plugins":
			c.Plugins = strings.Split(value, ",")
		case "cleaner_interval":
			p, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("general.cleaner_interval: %w", err)
			}
			c.CleanerInterval = p
		case "secret":
			c.Secret = value
		case "ssh_public_key_path":
			c.SSHPublicKeyPath = value
		}
	case "services":
		switch key {
		case "monitor_url":
			c.MonitorURL = value
		case "controller_url":
			c.ControllerURL = value
		case "visualizer_url":
			c.VisualizerURL = value
		case "authorization_url":
			c.AuthorizationURL = value
		case "enable_auth":
			c.EnableAuth = value == "true" || value == "1"
		}
	case "persistence":
		switch key {
		case "engine":
			c.PersistenceEngine = value
		case "data_dir":
			c.DataDir = value
		case "redis_addr":
			c.RedisAddr = value
		}
	case "kubejobs":
		switch key {
		case "k8s_conf_path":
			c.K8sConfPath = value
		case "work_queue_image":
			c.WorkQueueImage = value
		case "cluster_profile_root":
			c.ClusterProfileRoot = value
		}
	}
	return nil
}
