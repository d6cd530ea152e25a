package config

import (
	"flag"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/qualisys/qualisys-lsl-app/internal/qtm"
)

// BridgeConfig holds configuration for the bridge process. The QTM target is
// only a default: the front end passes host and port explicitly on start.
type BridgeConfig struct {
	QTMHost        string   `yaml:"qtm_host"`
	QTMPort        int      `yaml:"qtm_port"`
	Port           int      `yaml:"port"`
	MetricsAddr    string   `yaml:"metrics_addr"`
	OutletAddr     string   `yaml:"outlet_addr"`
	OutletBuffer   int      `yaml:"outlet_buffer"`
	RedisAddr      string   `yaml:"redis_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	LogLevel       string   `yaml:"log_level"`
	AutoStart      bool     `yaml:"auto_start"`
	ConfigFile     string   `yaml:"-"`
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *BridgeConfig) BindFlags() {
	bindEnv(c)

	flag.StringVar(&c.QTMHost, "qtm-host", c.QTMHost, "default QTM server host passed to auto-start")
	flag.IntVar(&c.QTMPort, "qtm-port", c.QTMPort, "default QTM RT little-endian port")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the control API")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus metrics listen address or port (served on the control port when empty)")
	flag.StringVar(&c.OutletAddr, "outlet-addr", c.OutletAddr, "TCP listen address for outlet consumers")
	flag.IntVar(&c.OutletBuffer, "outlet-buffer", c.OutletBuffer, "outlet sample buffer capacity (library default when 0)")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address or URL for the state mirror (disabled when empty)")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.BoolVar(&c.AutoStart, "auto-start", c.AutoStart, "connect to the configured QTM host at startup")
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
}

func bindEnv(c *BridgeConfig) {
	c.QTMHost = getEnv("QTM_HOST", "")
	if v, err := strconv.Atoi(getEnv("QTM_PORT", strconv.Itoa(qtm.DefaultPort))); err == nil {
		c.QTMPort = v
	} else {
		c.QTMPort = qtm.DefaultPort
	}
	port, _ := strconv.Atoi(getEnv("PORT", "8080"))
	c.Port = port
	mp := getEnv("METRICS_ADDR", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp
	c.OutletAddr = getEnv("OUTLET_ADDR", ":16571")
	if v, err := strconv.Atoi(getEnv("OUTLET_BUFFER", "0")); err == nil {
		c.OutletBuffer = v
	}
	c.RedisAddr = getEnv("REDIS_ADDR", "")
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, o)
			}
		}
	}
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	if b, err := strconv.ParseBool(getEnv("AUTO_START", "false")); err == nil {
		c.AutoStart = b
	}
	c.ConfigFile = getEnv("CONFIG_FILE", "")
}

// LoadFile populates the config from a YAML file. Fields already set remain
// unless overwritten by corresponding entries in the file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
