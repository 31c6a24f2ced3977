package redis

import (
	"fmt"

	"github.com/THPTUHA/relay/server/config"
	"github.com/go-redis/redis/v7"
)

func NewRedisDB(cfg *config.Configs) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       0,
	})
}
