package database

import (
	"context"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
)

// RedisOptions builds client options from config. redis.url takes precedence.
func RedisOptions() (*redis.Options, error) {
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	if url := viper.GetString("redis.url"); url != "" {
		return redis.ParseURL(url)
	}
	return &redis.Options{
		Addr:     viper.GetString("redis.host") + ":" + viper.GetString("redis.port"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	}, nil
}

// InitRedis returns nil when Redis is unreachable; idempotency replay is then disabled
func InitRedis() *redis.Client {
	opts, err := RedisOptions()
	if err != nil {
		log.Printf("Invalid Redis config, continuing without Redis: %v", err)
		return nil
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("Redis connection failed, continuing without Redis: %v", err)
		rdb.Close()
		return nil
	}

	log.Printf("Redis connection established (%s)", opts.Addr)
	return rdb
}
