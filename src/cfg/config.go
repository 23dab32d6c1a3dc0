package cfg

import (
	"io/fs"
	"time"

	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "WALAPPLY"

type Config struct {
	Environment Environment `default:"dev"`

	Database string
	LogPath  string `split_words:"true"`

	// TargetDSN selects the target database. Empty runs against an
	// in-memory store that only journals what would have been applied.
	TargetDSN string `split_words:"true"`

	PageCacheFrames        int   `split_words:"true" default:"128"`
	PageCacheGrowthPercent int   `split_words:"true" default:"15"`
	PagesPerArchive        int32 `split_words:"true" default:"0"`

	CommitInterval time.Duration `split_words:"true" default:"500ms"`
	PollInterval   time.Duration `split_words:"true" default:"100ms"`

	ReadRetries    int           `split_words:"true" default:"5"`
	ReadRetryDelay time.Duration `split_words:"true" default:"50ms"`

	StopWhenCaughtUp bool `split_words:"true"`

	// StartPage is the first page scanned when the target holds no
	// watermark yet. Negative starts at the end of the log.
	StartPage int64 `split_words:"true" default:"-1"`
}

// Load reads the optional .env file at path (or ./.env when path is empty)
// and then the WALAPPLY_* environment. Variables already set in the
// environment win over the file.
func Load(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return Config{}, errors.Wrapf(err, "load %s", path)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errors.Wrap(err, "load .env")
	}

	var c Config
	if err := envconfig.Process(EnvPrefix, &c); err != nil {
		return Config{}, errors.Wrap(err, "process environment")
	}
	return c, nil
}

func (c Config) Validate() error {
	if err := c.Environment.Validate(); err != nil {
		return err
	}

	switch {
	case c.Database == "":
		return errors.New("database name is required")
	case c.LogPath == "":
		return errors.New("log path is required")
	case c.PageCacheFrames <= 0:
		return errors.Errorf("page cache frames must be positive, got %d", c.PageCacheFrames)
	case c.PageCacheGrowthPercent <= 0:
		return errors.Errorf("page cache growth must be positive, got %d", c.PageCacheGrowthPercent)
	case c.PagesPerArchive < 0:
		return errors.Errorf("pages per archive must not be negative, got %d", c.PagesPerArchive)
	case c.CommitInterval <= 0:
		return errors.Errorf("commit interval must be positive, got %s", c.CommitInterval)
	case c.PollInterval <= 0:
		return errors.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.ReadRetries < 0:
		return errors.Errorf("read retries must not be negative, got %d", c.ReadRetries)
	case c.ReadRetryDelay <= 0:
		return errors.Errorf("read retry delay must be positive, got %s", c.ReadRetryDelay)
	}
	return nil
}

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"

	DefaultEnv = EnvDev
)

type Environment string

func (e Environment) Validate() error {
	if e != EnvDev && e != EnvProd {
		return errors.New("environment must be either dev or prod")
	}

	return nil
}
