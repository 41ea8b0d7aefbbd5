package config

import (
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/code-craka/upi-payment-app-sub000/auth"
	"github.com/code-craka/upi-payment-app-sub000/breaker"
	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
	"github.com/code-craka/upi-payment-app-sub000/conflict"
	"github.com/code-craka/upi-payment-app-sub000/dualwrite"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
	"github.com/code-craka/upi-payment-app-sub000/store/identity"
	"github.com/code-craka/upi-payment-app-sub000/store/secondary"
)

type NodeConfig struct {
	NodeId       int `json:"node_id"`
	DataCenterId int `json:"datacenter_id"`
}

type Config struct {
	Node       NodeConfig       `json:"node"`
	HttpListen string           `json:"http_listen"`
	Cache      cache.Config     `json:"cache"`
	Identity   identity.Config  `json:"identity"`
	Secondary  secondary.Config `json:"secondary"`
	Breaker    breaker.Config   `json:"breaker"`
	Conflict   conflict.Config  `json:"conflict"`
	Auth       auth.Config      `json:"auth"`
	DualWrite  dualwrite.Config `json:"dual_write"`
	// Timeouts overrides the built-in timeout table, keyed "service.class".
	Timeouts map[string]time.Duration `json:"timeouts"`
	Log      zap.Config               `json:"log"`
}

var (
	cfg Config
)

func Get() *Config {
	return &cfg
}

// InitConfig loads the JSON config file, then lets the environment fill the
// gaps so containerized deployments can run without a file for secrets.
// A .env file is honored when present.
func InitConfig(configPath string) error {
	_ = godotenv.Load()

	if configPath != "" {
		dd, err := os.ReadFile(configPath)
		if err != nil {
			return err
		}
		if err = json.Unmarshal(dd, &cfg); err != nil {
			return err
		}
	}

	applyEnv()

	if cfg.HttpListen == "" {
		cfg.HttpListen = ":8090"
	}
	if cfg.Cache.Addr == "" {
		return errors.New("cache address is missing : set cache.addr or ROLE_REDIS_ADDR")
	}
	if cfg.Identity.BaseURL == "" {
		return errors.New("identity base url is missing : set identity.base_url or ROLE_CLERK_BASE_URL")
	}
	if cfg.Node.NodeId == 0 || cfg.Node.DataCenterId == 0 {
		return errors.New("environment variable is missing : ROLE_NODE_ID or ROLE_DATACENTER_ID")
	}
	return InitLog(&cfg.Log)
}

func applyEnv() {
	if v := os.Getenv("ROLE_HTTP_LISTEN"); v != "" {
		cfg.HttpListen = v
	}
	if v := os.Getenv("ROLE_REDIS_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("ROLE_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("ROLE_CLERK_BASE_URL"); v != "" {
		cfg.Identity.BaseURL = v
	}
	if v := os.Getenv("ROLE_CLERK_API_KEY"); v != "" {
		cfg.Identity.APIKey = v
	}
	if v := os.Getenv("ROLE_DB_DSN"); v != "" {
		cfg.Secondary.Dsn = v
		if cfg.Secondary.Driver == "" {
			cfg.Secondary.Driver = "postgresql"
		}
	}
	if cfg.Node.NodeId == 0 {
		cfg.Node.NodeId = envInt("ROLE_NODE_ID")
	}
	if cfg.Node.DataCenterId == 0 {
		cfg.Node.DataCenterId = envInt("ROLE_DATACENTER_ID")
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return 0
	}
	return int(n)
}

func InitLog(cfg *zap.Config) error {
	if len(cfg.OutputPaths) == 0 {
		*cfg = zap.NewProductionConfig()
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.LineEnding = zapcore.DefaultLineEnding
	cfg.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	logutil.SetLogger(logger)
	return nil
}
