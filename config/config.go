package config

import (
    "log"
    "os"

    "github.com/joho/godotenv"
    "gopkg.in/yaml.v2"
)

type Config struct {
    Server struct {
        Port string `yaml:"port"`
    } `yaml:"server"`
    MySQL struct {
        DSN string `yaml:"dsn"`
    } `yaml:"mysql"`

    Redis struct {
        Addr     string `yaml:"addr"`
        Password string `yaml:"password"`
    } `yaml:"redis"`
    Worker struct {
        Addr string `yaml:"addr"`
    } `yaml:"worker"`
    MinIO struct {
        Endpoint  string `yaml:"endpoint"`
        AccessKey string `yaml:"access_key"`
        SecretKey string `yaml:"secret_key"`
        Bucket    string `yaml:"bucket"`
        UseSSL    bool   `yaml:"use_ssl"`
        Domain    string `yaml:"domain"`
    } `yaml:"minio"`
    Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline 流水线配置，显式传入 Orchestrator 和各 Stage（业务层不读全局）
type Pipeline struct {
    WorkspaceDir        string  `yaml:"workspace_dir"`
    Voice               string  `yaml:"voice"`
    AspectRatio         string  `yaml:"aspect_ratio"`
    PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
    PollTimeoutMinutes  int     `yaml:"poll_timeout_minutes"`
    CapabilityRetries   int     `yaml:"capability_retries"`
    RetryDelaySeconds   int     `yaml:"retry_delay_seconds"`
    DurationTolerance   float64 `yaml:"duration_tolerance"`
}

var AppConfig *Config

func InitConfig() {
    // 先加载 .env（若存在），允许环境变量覆盖敏感配置
    _ = godotenv.Load()

    f, err := os.Open("config/config.yaml")
    if err != nil {
        log.Fatalf("配置文件读取失败: %v", err)
    }
    defer f.Close()
    decoder := yaml.NewDecoder(f)
    AppConfig = &Config{}
    if err := decoder.Decode(AppConfig); err != nil {
        log.Fatalf("配置文件解析失败: %v", err)
    }

    // 环境变量覆盖
    if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
        AppConfig.MySQL.DSN = dsn
    }
    if addr := os.Getenv("REDIS_ADDR"); addr != "" {
        AppConfig.Redis.Addr = addr
    }
    if worker := os.Getenv("WORKER_ADDR"); worker != "" {
        AppConfig.Worker.Addr = worker
    }
    if ak := os.Getenv("MINIO_ACCESS_KEY"); ak != "" {
        AppConfig.MinIO.AccessKey = ak
    }
    if sk := os.Getenv("MINIO_SECRET_KEY"); sk != "" {
        AppConfig.MinIO.SecretKey = sk
    }

    ApplyPipelineDefaults(&AppConfig.Pipeline)
}

// ApplyPipelineDefaults 填充缺省值，保证 Pipeline 配置拿到手即可用
func ApplyPipelineDefaults(p *Pipeline) {
    if p.WorkspaceDir == "" {
        p.WorkspaceDir = "./workspaces"
    }
    if p.AspectRatio == "" {
        p.AspectRatio = "16:9"
    }
    if p.PollIntervalSeconds <= 0 {
        p.PollIntervalSeconds = 3
    }
    if p.PollTimeoutMinutes <= 0 {
        p.PollTimeoutMinutes = 30
    }
    if p.CapabilityRetries == 0 {
        p.CapabilityRetries = 2
    }
    if p.RetryDelaySeconds <= 0 {
        p.RetryDelaySeconds = 2
    }
    if p.DurationTolerance <= 0 {
        p.DurationTolerance = 0.05
    }
}
