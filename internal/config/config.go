// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Datastore DatastoreConfig `yaml:"datastore"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatastoreConfig 数据存储选择
// driver: sqlite（默认，嵌入式）或 postgres
type DatastoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"` // 仅 sqlite 使用
}

type DatabaseConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
}

type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DB      int    `yaml:"db"`
}

// MinIOConfig 对象存储配置，AccessKey/SecretKey 从环境变量读取
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

// ExecutorConfig Agent 执行配置
type ExecutorConfig struct {
	WorkspaceRoot    string        `yaml:"workspace_root"`
	DefaultTimeout   time.Duration `yaml:"default_timeout"`
	SupervisorTick   time.Duration `yaml:"supervisor_tick"`
	MaxRetries       int           `yaml:"max_retries"`
	WaitPollInterval time.Duration `yaml:"wait_poll_interval"`
}

// PipelinesConfig 流水线定义文件目录
type PipelinesConfig struct {
	Dir string `yaml:"dir"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env         Environment
	Datastore   DatastoreConfig
	DatabaseURL string
	RedisURL    string
	Redis       RedisConfig
	MinIO       MinIOConfig
	APIPort     string
	Executor    ExecutorConfig
	Pipelines   PipelinesConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 从环境变量获取敏感信息
	dbPassword := getEnv("DB_PASSWORD", "taskpilot_dev_password")
	yamlCfg.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", "")
	yamlCfg.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", "")

	// 构建最终配置
	cfg := &Config{
		Env:         env,
		Datastore:   yamlCfg.Datastore,
		DatabaseURL: buildDatabaseURL(yamlCfg.Database, dbPassword),
		RedisURL:    buildRedisURL(yamlCfg.Redis),
		Redis:       yamlCfg.Redis,
		MinIO:       yamlCfg.MinIO,
		APIPort:     yamlCfg.Server.Port,
		Executor:    yamlCfg.Executor,
		Pipelines:   yamlCfg.Pipelines,
	}

	// 验证并填充执行器默认值
	cfg.Executor.validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		Server:    ServerConfig{Port: "8080"},
		Datastore: DatastoreConfig{Driver: "sqlite", DSN: "file:taskpilot.db?cache=shared&mode=rwc"},
		Database:  DatabaseConfig{Host: "localhost", Port: 5432, User: "taskpilot", Name: "taskpilot", SSLMode: "disable"},
		Redis:     RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		MinIO:     MinIOConfig{Endpoint: "localhost:9000", Bucket: "taskpilot"},
		Executor: ExecutorConfig{
			WorkspaceRoot:    defaultWorkspaceRoot(),
			DefaultTimeout:   30 * time.Minute,
			SupervisorTick:   30 * time.Second,
			MaxRetries:       3,
			WaitPollInterval: 2 * time.Second,
		},
		Pipelines: PipelinesConfig{Dir: "pipelines"},
	}

	// 2. 加载 common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// buildDatabaseURL 构建 PostgreSQL 连接字符串
func buildDatabaseURL(db DatabaseConfig, password string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, password, db.Host, db.Port, db.Name, db.SSLMode)
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(redis RedisConfig) string {
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/taskpilot-workspaces"
	}
	return filepath.Join(home, ".taskpilot", "workspaces")
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// IsProd 是否为生产环境
func (c *Config) IsProd() bool {
	return c.Env == EnvProduction
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Datastore: %s, DB: %s, Redis: %s}",
		c.Env, c.Datastore.Driver, maskPassword(c.DatabaseURL), c.RedisURL)
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// validate 验证并填充执行器默认值
func (e *ExecutorConfig) validate() {
	if e.WorkspaceRoot == "" {
		e.WorkspaceRoot = defaultWorkspaceRoot()
	}
	if e.DefaultTimeout == 0 {
		e.DefaultTimeout = 30 * time.Minute
	}
	if e.SupervisorTick == 0 {
		e.SupervisorTick = 30 * time.Second
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.WaitPollInterval == 0 {
		e.WaitPollInterval = 2 * time.Second
	}
}
