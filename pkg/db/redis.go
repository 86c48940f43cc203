package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/campaign-payments/pkg/config"
)

// ConnectRedis создаёт клиент Redis и проверяет соединение.
// Redis обязателен: на нём держатся блокировки по донору и по транзакции.
func ConnectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ошибка ping Redis %s: %w", cfg.Addr(), err)
	}

	return rdb, nil
}
