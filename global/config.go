// Package global turns AppConfig into the long-lived dependencies the
// gateway wires together.
package global

import (
	"context"
	"io/fs"
	"os"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcore/service/chat"
	"chatcore/service/natsx"
	"chatcore/service/storage"
	"chatcore/service/storage/postgres"
	"chatcore/service/storage/redis"
	"chatcore/service/storage/sqlite"
	"chatcore/tools/security"
)

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || os.IsNotExist(err)
}

// ChatOptions maps the connection tuning keys onto chat.Options.
func (c AppConfig) ChatOptions() chat.Options {
	return chat.Options{
		CookieName:        c.CookieName,
		SendQueueSize:     c.SendQueueSize,
		SendTimeout:       c.SendTimeout,
		WriteWait:         c.WriteWait,
		PongWait:          c.PongWait,
		PingInterval:      c.PingInterval,
		MaxFrameBytes:     c.MaxFrameBytes,
		FanoutConcurrency: c.FanoutConcurrency,
	}
}

func (c AppConfig) JWTOptions() security.Options {
	opts := security.DefaultOptions([]byte(c.JWTSecret))
	opts.TTL = c.TokenTTL
	return opts
}

// OpenStore opens the configured storage backend.
func OpenStore(ctx context.Context, c AppConfig) (storage.Store, error) {
	switch c.DBDriver {
	case "postgres":
		s, err := postgres.Open(ctx, c.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(c.DBPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
}

// ConfigRedis connects the presence mirror. It returns nils when Redis is
// not configured.
func ConfigRedis(ctx context.Context, c AppConfig, log *zap.Logger) (*goredis.Client, *redis.PresenceCache, error) {
	if c.RedisAddr == "" {
		log.Info("redis disabled, presence mirror off")
		return nil, nil, nil
	}
	rdb, err := redis.NewClient(ctx, redis.Config{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("redis connected", zap.String("addr", c.RedisAddr))
	return rdb, redis.NewPresenceCache(rdb, c.PresenceTTL), nil
}

// ConfigNats connects the event publisher. It returns nils when NATS is not
// configured.
func ConfigNats(c AppConfig, log *zap.Logger) (*natsx.Client, *natsx.Publisher, error) {
	if c.NatsURL == "" {
		log.Info("nats disabled, events stay in process")
		return nil, nil, nil
	}
	nc, err := natsx.NewClient(natsx.Config{
		Servers:       []string{c.NatsURL},
		Name:          "chat-gateway",
		SubjectPrefix: c.NatsSubjectPrefix,
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("nats connected", zap.String("url", c.NatsURL))
	return nc, natsx.NewPublisher(nc), nil
}
