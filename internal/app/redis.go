package app

import (
	"polling-scheduler/internal/common/logging"
	"polling-scheduler/internal/locks"
	"polling-scheduler/internal/redis"
)

func (app *App) initializeLease() error {
	if !app.Config.LeaseEnabled() {
		app.Logger.Info("Tick lease: not configured (every replica runs every tick)")
		return nil
	}

	redisClient, err := redis.NewClient(&redis.Config{
		Address:  app.Config.LeaseRedisAddress,
		Password: app.Config.LeaseRedisPassword,
		DB:       app.Config.LeaseRedisDB,
	})
	if err != nil {
		return err
	}

	manager, err := locks.NewManager(redisClient, app.Config.LeaseTTL)
	if err != nil {
		redisClient.Close()
		return err
	}

	app.RedisClient = redisClient
	app.Locks = manager
	app.Logger.Info("Tick lease: enabled",
		logging.String("address", app.Config.LeaseRedisAddress),
		logging.Duration("ttl", app.Config.LeaseTTL))
	return nil
}
