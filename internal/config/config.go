package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
	DataPath string `mapstructure:"data_path"`

	SignalURL      string `mapstructure:"signal_url"`
	APIBaseURL     string `mapstructure:"api_base_url"`
	JitsiServerURL string `mapstructure:"jitsi_server_url"`
	DisplayName    string `mapstructure:"display_name"`

	RingTimeout       time.Duration `mapstructure:"ring_timeout"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendQueue  int           `mapstructure:"send_queue"`

	Sim SimConfig `mapstructure:"sim"`
}

// SimConfig drives the development signaling backend.
type SimConfig struct {
	Port       int           `mapstructure:"port"`
	OTP        string        `mapstructure:"otp"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	AutoAccept time.Duration `mapstructure:"auto_accept"`
}

func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFrom(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFrom reads fileName when it exists; defaults and CONSULT_* variables apply either way.
func LoadFrom(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("CONSULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8090)
	v.SetDefault("log_level", "info")
	v.SetDefault("data_path", "./data/consult.db")
	v.SetDefault("signal_url", "ws://localhost:8080/ws/patient")
	v.SetDefault("api_base_url", "http://localhost:8080/api")
	v.SetDefault("jitsi_server_url", "https://meet.jit.si")
	v.SetDefault("display_name", "Patient")
	v.SetDefault("ring_timeout", "30s")
	v.SetDefault("reconnect_attempts", 5)
	v.SetDefault("reconnect_delay", "3s")
	v.SetDefault("dial_timeout", "10s")
	v.SetDefault("request_timeout", "15s")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_queue", 32)
	v.SetDefault("sim.port", 8080)
	v.SetDefault("sim.otp", "123456")
	v.SetDefault("sim.rate_limit", 5)
	v.SetDefault("sim.rate_window", "1m")
	v.SetDefault("sim.auto_accept", "0s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RingTimeout <= 0 || cfg.ReconnectDelay <= 0 || cfg.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("invalid timing: ring_timeout=%s reconnect_delay=%s reconnect_attempts=%d",
			cfg.RingTimeout, cfg.ReconnectDelay, cfg.ReconnectAttempts)
	}
	fmt.Printf("🧩 Mode: %s | Port: %d | Signal: %s\n", cfg.Mode, cfg.Port, cfg.SignalURL)
	return &cfg, nil
}
