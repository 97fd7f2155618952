package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config 应用配置结构
type Config struct {
	// 环境配置
	Environment string `yaml:"environment"`

	// 远端后端（客户端使用）
	BackendURL     string        `yaml:"backend_url"`
	RealtimeURL    string        `yaml:"realtime_url"`
	APIKey         string        `yaml:"api_key"`
	AccessToken    string        `yaml:"-"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UndoWindow     time.Duration `yaml:"undo_window"`

	Feed   FeedConfig   `yaml:"feed"`
	Chrome ChromeConfig `yaml:"chrome"`
	Server ServerConfig `yaml:"server"`

	// 调试配置
	Debug bool `yaml:"debug"`
}

// FeedConfig 实时推送订阅配置
type FeedConfig struct {
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	DegradedAfter int           `yaml:"degraded_after"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// ChromeConfig 浏览器 DevTools 连接配置
type ChromeConfig struct {
	CDPURL string `yaml:"cdp_url"`
}

// ServerConfig 本地开发后端配置
type ServerConfig struct {
	Port           string   `yaml:"port"`
	PostgresDSN    string   `yaml:"postgres_dsn"`
	JWTSecret      string   `yaml:"-"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoadConfig 加载配置：默认值 < YAML 配置文件 < .env 文件 < 环境变量
func LoadConfig(path string) (*Config, error) {
	// 根据环境加载对应的 .env 文件
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = os.Getenv("TABSYNC_ENVIRONMENT")
	}
	switch env {
	case "production":
		loadEnvFile(".env.production")
	default:
		loadEnvFile(".env.local")
	}

	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	config := &Config{
		Environment:    strings.TrimSpace(v.GetString("environment")),
		BackendURL:     strings.TrimRight(strings.TrimSpace(v.GetString("backend_url")), "/"),
		RealtimeURL:    strings.TrimSpace(v.GetString("realtime_url")),
		APIKey:         strings.TrimSpace(v.GetString("api_key")),
		AccessToken:    strings.TrimSpace(v.GetString("access_token")),
		RequestTimeout: v.GetDuration("request_timeout"),
		UndoWindow:     v.GetDuration("undo_window"),
		Feed: FeedConfig{
			BackoffBase:   v.GetDuration("feed.backoff_base"),
			BackoffMax:    v.GetDuration("feed.backoff_max"),
			DegradedAfter: v.GetInt("feed.degraded_after"),
			Heartbeat:     v.GetDuration("feed.heartbeat"),
		},
		Chrome: ChromeConfig{
			CDPURL: strings.TrimSpace(v.GetString("chrome.cdp_url")),
		},
		Server: ServerConfig{
			Port:           strings.TrimSpace(v.GetString("server.port")),
			PostgresDSN:    strings.TrimSpace(v.GetString("server.postgres_dsn")),
			JWTSecret:      strings.TrimSpace(v.GetString("server.jwt_secret")),
			AllowedOrigins: splitList(v.GetStringSlice("server.allowed_origins")),
		},
		Debug: v.GetBool("debug"),
	}

	if config.RealtimeURL == "" && config.BackendURL != "" {
		config.RealtimeURL = DeriveRealtimeURL(config.BackendURL)
	}

	// 生产环境关闭调试
	if config.IsProduction() {
		config.Debug = false
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("backend_url", "http://localhost:3000")
	v.SetDefault("request_timeout", 12*time.Second)
	v.SetDefault("undo_window", 5*time.Second)
	v.SetDefault("feed.backoff_base", time.Second)
	v.SetDefault("feed.backoff_max", 30*time.Second)
	v.SetDefault("feed.degraded_after", 3)
	v.SetDefault("feed.heartbeat", 25*time.Second)
	v.SetDefault("chrome.cdp_url", "ws://127.0.0.1:9222")
	v.SetDefault("server.port", "3000")
	v.SetDefault("server.jwt_secret", defaultJWTSecret)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("debug", false)
}

// bindEnv 绑定 TABSYNC_* 变量，同时兼容旧的无前缀变量名
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("TABSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	legacy := map[string][]string{
		"environment":            {"TABSYNC_ENVIRONMENT", "ENVIRONMENT"},
		"backend_url":            {"TABSYNC_BACKEND_URL", "SUPABASE_URL"},
		"api_key":                {"TABSYNC_API_KEY", "SUPABASE_ANON_KEY"},
		"access_token":           {"TABSYNC_ACCESS_TOKEN"},
		"server.port":            {"TABSYNC_SERVER_PORT", "PORT"},
		"server.postgres_dsn":    {"TABSYNC_SERVER_POSTGRES_DSN", "POSTGRES_DSN"},
		"server.jwt_secret":      {"TABSYNC_SERVER_JWT_SECRET", "JWT_SECRET"},
		"server.allowed_origins": {"TABSYNC_SERVER_ALLOWED_ORIGINS", "ALLOWED_ORIGINS"},
		"debug":                  {"TABSYNC_DEBUG", "DEBUG"},
	}
	for key, names := range legacy {
		args := append([]string{key}, names...)
		_ = v.BindEnv(args...)
	}
}

// DeriveRealtimeURL 由后端地址推导实时推送的 websocket 地址
func DeriveRealtimeURL(backendURL string) string {
	u := strings.TrimRight(backendURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	case !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://"):
		u = "wss://" + u
	}
	return u + "/realtime/v1/websocket"
}

// Validate 验证客户端配置
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.UndoWindow <= 0 {
		return fmt.Errorf("undo_window must be positive")
	}
	if c.Feed.BackoffBase <= 0 || c.Feed.BackoffMax < c.Feed.BackoffBase {
		return fmt.Errorf("feed backoff must satisfy 0 < backoff_base <= backoff_max")
	}
	if c.Feed.DegradedAfter <= 0 {
		return fmt.Errorf("feed.degraded_after must be positive")
	}
	return nil
}

// ValidateServer 验证开发后端配置
func (c *Config) ValidateServer() error {
	// 验证端口
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}

	// 验证JWT密钥
	if c.Server.JWTSecret == "" || c.Server.JWTSecret == defaultJWTSecret {
		if c.IsProduction() {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
	}
	return nil
}

// UsesDefaultSecret 是否仍在使用默认 JWT 密钥
func (c *Config) UsesDefaultSecret() bool {
	return c.Server.JWTSecret == defaultJWTSecret
}

// IsProduction 检查是否为生产环境
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment 检查是否为开发环境
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Dump 以 YAML 输出当前配置（不含密钥）
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// 辅助函数

// splitList 兼容 "a,b" 形式的环境变量
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// loadEnvFile 加载 .env 文件到环境变量
func loadEnvFile(filename string) {
	file, err := os.Open(filename)
	if err != nil {
		return // 文件不存在或无法打开，静默返回
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// 跳过空行和注释行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// 解析 KEY=VALUE 格式
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// 移除值两端的引号（如果有）
		if len(value) >= 2 {
			if (strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"")) ||
				(strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'")) {
				value = value[1 : len(value)-1]
			}
		}

		// 只有当环境变量不存在时才设置
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
