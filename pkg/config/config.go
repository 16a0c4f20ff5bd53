package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Database   struct {
		Type               string        `mapstructure:"TYPE"`
		Host               string        `mapstructure:"HOST"`
		Port               string        `mapstructure:"PORT"`
		DBNAME             string        `mapstructure:"DBNAME"`
		User               string        `mapstructure:"USER"`
		Password           string        `mapstructure:"PASSWORD"`
		SSLMode            string        `mapstructure:"SSLMODE"`
		Timezone           string        `mapstructure:"TIMEZONE"`
		SlowQueryThreshold time.Duration `mapstructure:"SLOW_QUERY_THRESHOLD"`
		ConnectionPool     struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"SERVER"`
	TLS struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Kafka struct {
		Addrs   string `mapstructure:"ADDR"`
		Topic   string `mapstructure:"TOPIC"`
		GroupID string `mapstructure:"GROUP_ID"`
	} `mapstructure:"KAFKA"`
	Engine struct {
		GrantLockTTL      time.Duration `mapstructure:"GRANT_LOCK_TTL"`
		GrantLockWait     time.Duration `mapstructure:"GRANT_LOCK_WAIT"`
		EventLockTTL      time.Duration `mapstructure:"EVENT_LOCK_TTL"`
		IndicatorTimeout  time.Duration `mapstructure:"INDICATOR_TIMEOUT"`
		DispatchURL       string        `mapstructure:"DISPATCH_URL"`
		DispatchTimeout   time.Duration `mapstructure:"DISPATCH_TIMEOUT"`
		SweepDailyHour    int           `mapstructure:"SWEEP_DAILY_HOUR"`
		SweepDailyMinute  int           `mapstructure:"SWEEP_DAILY_MINUTE"`
		RiskSoftThreshold int64         `mapstructure:"RISK_SOFT_THRESHOLD"`
		RiskHardThreshold int64         `mapstructure:"RISK_HARD_THRESHOLD"`
	} `mapstructure:"ENGINE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	applyDefaults(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "8080"
	}
	if cfg.Engine.GrantLockTTL <= 0 {
		cfg.Engine.GrantLockTTL = 3 * time.Second
	}
	if cfg.Engine.GrantLockWait <= 0 {
		cfg.Engine.GrantLockWait = 500 * time.Millisecond
	}
	if cfg.Engine.EventLockTTL <= 0 {
		cfg.Engine.EventLockTTL = 5 * time.Second
	}
	if cfg.Engine.IndicatorTimeout <= 0 {
		cfg.Engine.IndicatorTimeout = 5 * time.Second
	}
	if cfg.Engine.DispatchTimeout <= 0 {
		cfg.Engine.DispatchTimeout = 10 * time.Second
	}
	if cfg.Engine.SweepDailyHour == 0 && cfg.Engine.SweepDailyMinute == 0 {
		cfg.Engine.SweepDailyHour = 1
	}
}
