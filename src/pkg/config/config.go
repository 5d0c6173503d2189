package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/bucketlog/src/pkg/utils"
)

const envPrefix = "BUCKETLOG"

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

type Config struct {
	Environment     string `envconfig:"ENVIRONMENT" default:"prod"`
	PageSize        int    `envconfig:"PAGE_SIZE" default:"65536"`
	MaxPages        int    `envconfig:"MAX_PAGES" default:"0"`
	CachePages      uint64 `envconfig:"CACHE_PAGES" default:"1024"`
	DataDir         string `envconfig:"DATA_DIR" default:"./data"`
	WALDir          string `envconfig:"WAL_DIR" default:"./data/wal"`
	WALSegmentSize  int64  `envconfig:"WAL_SEGMENT_SIZE" default:"67108864"`
	RecoveryWorkers int    `envconfig:"RECOVERY_WORKERS" default:"8"`
}

var ErrInvalidConfig = errors.New("invalid config")

// Load reads optional dotenv files and then the process environment.
// Variables already present in the environment win over dotenv values.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("couldn't load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("couldn't process env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func MustLoad(envFiles ...string) Config {
	return utils.Must(Load(envFiles...))
}

func (c Config) Validate() error {
	switch {
	case c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0:
		return fmt.Errorf("%w: page size %d must be a positive power of two", ErrInvalidConfig, c.PageSize)
	case c.MaxPages < 0:
		return fmt.Errorf("%w: max pages %d is negative", ErrInvalidConfig, c.MaxPages)
	case c.CachePages == 0:
		return fmt.Errorf("%w: cache must hold at least one page", ErrInvalidConfig)
	case c.WALSegmentSize < int64(c.PageSize):
		return fmt.Errorf("%w: wal segment size %d is smaller than a page", ErrInvalidConfig, c.WALSegmentSize)
	case c.RecoveryWorkers <= 0:
		return fmt.Errorf("%w: recovery workers must be positive", ErrInvalidConfig)
	case c.Environment != EnvDev && c.Environment != EnvProd:
		return fmt.Errorf("%w: unknown environment %q", ErrInvalidConfig, c.Environment)
	}
	return nil
}

func (c Config) NewLogger() (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if c.Environment == EnvDev {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
