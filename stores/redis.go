package stores

import (
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/spf13/viper"
	rt "wuyrush.io/snap/common/retry"
	cst "wuyrush.io/snap/constants"
	se "wuyrush.io/snap/errors"
)

// NewRedisClient creates a Redis client from viper configuration and verifies the server is reachable
func NewRedisClient() (*redis.Client, *se.Err) {
	retryOpts := []rt.RetryOption{
		rt.WithTimeout(3 * time.Second),
		rt.WithBaseDelay(100 * time.Millisecond),
		rt.WithExp(2.0),
		rt.WithRetryOn(rt.IsDepOffline),
	}
	client := redis.NewClient(&redis.Options{
		Addr:       fmt.Sprintf("%s:%s", viper.GetString(cst.EnvRedisHost), viper.GetString(cst.EnvRedisPort)),
		Password:   viper.GetString(cst.EnvRedisPasswd),
		DB:         viper.GetInt(cst.EnvRedisDB),
		MaxRetries: 3,
	})
	// verify the client is up correctly
	pingFn := func() error {
		_, err := client.Ping().Result()
		return err
	}
	if err := rt.Retry(pingFn, retryOpts...); err != nil {
		client.Close()
		return nil, se.NewDependencyFailure("failed initializing Redis").WithCause(err)
	}
	return client, nil
}
