package stores

import (
	"context"
	"fmt"

	"github.com/go-redis/redis"
	"github.com/spf13/viper"
	cst "wuyrush.io/snap/constants"
	se "wuyrush.io/snap/errors"
)

// helpers for service entrypoints to build stores out of viper configuration

// SetupSnapStore builds the SnapStore of the configured backend. client is only used by the Redis backend
func SetupSnapStore(client *redis.Client) (SnapStore, *se.Err) {
	retention := viper.GetDuration(cst.EnvSnapRetention)
	if retention <= 0 {
		return nil, se.NewBadInput(fmt.Sprintf("non-positive snap retention %s", retention))
	}
	switch backend := viper.GetString(cst.EnvSnapStoreBackend); backend {
	case cst.SnapStoreBackendRedis:
		return &RedisSnapStore{DB: client, Retention: retention}, nil
	case cst.SnapStoreBackendSQL:
		s, err := NewSQLSnapStore(viper.GetString(cst.EnvSnapStoreSQLDSN), retention)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, se.NewUnsupported(fmt.Sprintf("unknown snap store backend %q", backend))
	}
}

func SetupUserStore(client *redis.Client) *RedisUserStore {
	return &RedisUserStore{
		DB:            client,
		SessionTTL:    viper.GetDuration(cst.EnvSessionTTL),
		DefaultAvatar: viper.GetString(cst.EnvDefaultAvatarURL),
	}
}

func SetupBlobStore() *LocalBlobStore {
	return &LocalBlobStore{
		Root:    viper.GetString(cst.EnvBlobRootDir),
		BaseURL: viper.GetString(cst.EnvMediaBaseURL),
	}
}

func SetupChatStore(ctx context.Context) (*CouchChatStore, *se.Err) {
	return NewCouchChatStore(ctx, &CouchConfig{
		DBAddr:     viper.GetString(cst.EnvCouchAddr),
		ChatDBName: viper.GetString(cst.EnvCouchChatDB),
		DBUsername: viper.GetString(cst.EnvCouchUser),
		DBPasswd:   viper.GetString(cst.EnvCouchPasswd),
	})
}

func SetupProfileCache(src Summarizer) *ProfileCache {
	return NewProfileCache(src, viper.GetInt(cst.EnvProfileCacheSize), viper.GetDuration(cst.EnvProfileCacheExpiry))
}
