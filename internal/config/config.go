package config

import (
	"fmt"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. MIGRATOR_SOURCE_PASSWORD.
const EnvPrefix = "MIGRATOR"

type ServerConfig struct {
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	User     string            `mapstructure:"user"`
	Password string            `mapstructure:"password"`
	Params   map[string]string `mapstructure:"params"`
}

// Address returns host:port for logging.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DSN builds a go-sql-driver DSN. database may be empty.
func (s ServerConfig) DSN(database string) string {
	c := mysql.NewConfig()
	c.User = s.User
	c.Passwd = s.Password
	c.Net = "tcp"
	c.Addr = s.Address()
	c.DBName = database
	c.ParseTime = true
	c.MultiStatements = false
	c.InterpolateParams = true
	// params are sent as session variables on connect
	if len(s.Params) > 0 {
		c.Params = map[string]string{}
		for k, v := range s.Params {
			c.Params[k] = v
		}
	}
	return c.FormatDSN()
}

type DatabasesConfig struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
	System  []string `mapstructure:"system"`
}

type SessionConfig struct {
	WaitTimeout        int `mapstructure:"wait_timeout"`
	MaxExecutionTimeMs int `mapstructure:"max_execution_time"`
	NetReadTimeout     int `mapstructure:"net_read_timeout"`
	NetWriteTimeout    int `mapstructure:"net_write_timeout"`
	InteractiveTimeout int `mapstructure:"interactive_timeout"`
}

type TransferConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	BatchPause        time.Duration `mapstructure:"batch_pause"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	SlowBatch         time.Duration `mapstructure:"slow_batch"`
	VerySlowBatch     time.Duration `mapstructure:"very_slow_batch"`
	MaxCooldown       time.Duration `mapstructure:"max_cooldown"`
}

type RunConfig struct {
	SkipExisting  bool `mapstructure:"skip_existing_dbs"`
	KeepExisting  bool `mapstructure:"keep_existing_dbs"`
	MigrateGrants bool `mapstructure:"migrate_grants"`
	DBThreads     int  `mapstructure:"thread_db"`
	TableThreads  int  `mapstructure:"thread_table"`
	CheckOnly     bool `mapstructure:"check_only"`
	// NoWait disables the cancellable countdowns before destructive steps.
	NoWait bool `mapstructure:"no_wait"`
}

type Config struct {
	Source      ServerConfig    `mapstructure:"source"`
	Destination ServerConfig    `mapstructure:"destination"`
	Databases   DatabasesConfig `mapstructure:"databases"`
	Session     SessionConfig   `mapstructure:"session"`
	Transfer    TransferConfig  `mapstructure:"transfer"`
	Run         RunConfig       `mapstructure:"run"`
	LedgerPath  string          `mapstructure:"ledger_path"`
	LogLevel    string          `mapstructure:"log_level"`
}

// DefaultThreads mirrors floor(sqrt(cpu_count)), never below one.
func DefaultThreads() int {
	n := int(math.Sqrt(float64(runtime.NumCPU())))
	if n < 1 {
		return 1
	}
	return n
}

// SetDefaults registers every default on v. Exposed so the CLI and tests share them.
func SetDefaults(v *viper.Viper) {
	// every key needs a default so AutomaticEnv can override it during Unmarshal
	for _, side := range []string{"source", "destination"} {
		v.SetDefault(side+".host", "127.0.0.1")
		v.SetDefault(side+".port", 3306)
		v.SetDefault(side+".user", "")
		v.SetDefault(side+".password", "")
	}
	v.SetDefault("databases.include", []string{})
	v.SetDefault("databases.exclude", []string{})
	v.SetDefault("databases.system", []string{"information_schema", "performance_schema", "sys", "mysql"})

	v.SetDefault("session.wait_timeout", 14400)
	v.SetDefault("session.max_execution_time", 7200000)
	v.SetDefault("session.net_read_timeout", 14400)
	v.SetDefault("session.net_write_timeout", 14400)
	v.SetDefault("session.interactive_timeout", 14400)

	v.SetDefault("transfer.batch_size", 2048)
	v.SetDefault("transfer.batch_pause", 100*time.Millisecond)
	v.SetDefault("transfer.reconnect_attempts", 3)
	v.SetDefault("transfer.reconnect_backoff", 5*time.Second)
	v.SetDefault("transfer.slow_batch", 2*time.Second)
	v.SetDefault("transfer.very_slow_batch", 4*time.Second)
	v.SetDefault("transfer.max_cooldown", 60*time.Second)

	v.SetDefault("run.thread_db", DefaultThreads())
	v.SetDefault("run.thread_table", DefaultThreads())

	v.SetDefault("ledger_path", "failed_databases.log")
	v.SetDefault("log_level", "info")
}

// New returns a viper instance with defaults, config search paths and env overrides.
func New(configFile string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		// Look for config in the current directory and ./config
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration held by v. A missing config file is not an error
// when everything can come from the environment.
func Load(v *viper.Viper) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "error unmarshalling config")
	}

	var err error
	if cfg.Source.Password, err = ResolvePassword(cfg.Source.Password); err != nil {
		return nil, errors.Wrap(err, "source password")
	}
	if cfg.Destination.Password, err = ResolvePassword(cfg.Destination.Password); err != nil {
		return nil, errors.Wrap(err, "destination password")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate applies fallbacks and rejects unusable values.
func (c *Config) Validate() error {
	if c.Source.User == "" || c.Destination.User == "" {
		return errors.New("source.user and destination.user must be set")
	}
	if c.Transfer.BatchSize < 1 {
		return errors.Errorf("batch size must be positive, got %d", c.Transfer.BatchSize)
	}
	if c.Run.DBThreads < 1 {
		c.Run.DBThreads = 1
	}
	if c.Run.TableThreads < 1 {
		c.Run.TableThreads = 1
	}
	if c.Transfer.ReconnectAttempts < 1 {
		c.Transfer.ReconnectAttempts = 1
	}
	if c.LedgerPath == "" {
		c.LedgerPath = "failed_databases.log"
	}
	return nil
}

// IsMigrable reports whether a database takes part in the run according to
// the system, include and exclude lists.
func (d DatabasesConfig) IsMigrable(name string) bool {
	if contains(d.System, name) || contains(d.Exclude, name) {
		return false
	}
	if contains(d.Include, name) {
		return true
	}
	return len(d.Include) == 0
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
