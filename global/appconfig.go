package global

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

type AppConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"console"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	JWTSecret    string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL     time.Duration `envconfig:"TOKEN_TTL" default:"1h"`
	CookieName   string        `envconfig:"COOKIE_NAME" default:"login-token"`
	CookieSecure bool          `envconfig:"COOKIE_SECURE" default:"true"`

	DBDriver    string `envconfig:"DB_DRIVER" default:"sqlite"` // sqlite | postgres
	DBPath      string `envconfig:"DB_PATH" default:"chat.db"`
	DatabaseURL string `envconfig:"DATABASE_URL"`

	// Redis and NATS are optional; empty address disables them.
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	PresenceTTL   time.Duration `envconfig:"PRESENCE_TTL" default:"2m"`

	NatsURL           string `envconfig:"NATS_URL"`
	NatsSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"chat"`

	SendQueueSize     int           `envconfig:"SEND_QUEUE_SIZE" default:"64"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"2s"`
	WriteWait         time.Duration `envconfig:"WRITE_WAIT" default:"10s"`
	PongWait          time.Duration `envconfig:"PONG_WAIT" default:"60s"`
	PingInterval      time.Duration `envconfig:"PING_INTERVAL" default:"54s"`
	MaxFrameBytes     int64         `envconfig:"MAX_FRAME_BYTES" default:"65536"`
	FanoutConcurrency int           `envconfig:"FANOUT_CONCURRENCY" default:"16"`
}

// LoadConfig loads files (missing ones are skipped) and decodes the
// environment.
func LoadConfig(files ...string) (AppConfig, error) {
	var cfg AppConfig
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !isNotExist(err) {
			return cfg, errors.Wrapf(err, "load %s", f)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, errors.Wrap(err, "process env")
	}
	return cfg, cfg.validate()
}

func (c AppConfig) validate() error {
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.PingInterval >= c.PongWait {
		return errors.Errorf("PING_INTERVAL (%s) must be below PONG_WAIT (%s)", c.PingInterval, c.PongWait)
	}
	return nil
}
