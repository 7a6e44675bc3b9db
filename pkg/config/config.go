package config

import (
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`

	MaxConns           int32         `yaml:"max_conns"`
	MinConns           int32         `yaml:"min_conns"`
	MaxConnLifetime    time.Duration `yaml:"max_conn_lifetime"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Prefetch int    `yaml:"prefetch"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig HTTP 管理端口
type ServerConfig struct {
	Port string `yaml:"port"`
}

// OverrideDBFromEnv 部署平台注入的 DB_* 变量优先于配置文件
func OverrideDBFromEnv(cfg *DBConfig) {
	envString("DB_HOST", &cfg.Host)
	envInt("DB_PORT", &cfg.Port)
	envString("DB_USER", &cfg.User)
	envString("DB_PASSWORD", &cfg.Password)
	envString("DB_NAME", &cfg.Name)
	envString("DB_SSLMODE", &cfg.SSLMode)

	var maxConns, minConns int
	if envInt("DB_MAX_CONNS", &maxConns) {
		cfg.MaxConns = int32(maxConns)
	}
	if envInt("DB_MIN_CONNS", &minConns) {
		cfg.MinConns = int32(minConns)
	}
}

func OverrideMQFromEnv(cfg *MQConfig) {
	envString("MQ_URL", &cfg.URL)
	envString("MQ_EXCHANGE", &cfg.Exchange)
	envInt("MQ_PREFETCH", &cfg.Prefetch)
}

func OverrideRedisFromEnv(cfg *RedisConfig) {
	envString("REDIS_ADDR", &cfg.Addr)
	envString("REDIS_PASSWORD", &cfg.Password)
	envInt("REDIS_DB", &cfg.DB)
}

func OverrideServerFromEnv(cfg *ServerConfig) {
	envString("SERVER_PORT", &cfg.Port)
}

// envString 非空时写入 dst
func envString(key string, dst *string) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	*dst = v
	return true
}

// envInt 解析失败时保留原值
func envInt(key string, dst *int) bool {
	v := os.Getenv(key)
	if v == "" {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false
	}
	*dst = n
	return true
}
