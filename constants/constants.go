// Package constants vends constants used in various components of snap service, e.g., env var names
package constants

import (
	"time"

	"github.com/spf13/viper"
)

const (
	// -------------- env vars --------------
	// common
	EnvVerbose = "SNAP_VERBOSE"
	// stores
	EnvRedisHost         = "REDIS_HOST"
	EnvRedisPort         = "REDIS_PORT"
	EnvRedisPasswd       = "REDIS_PASSWD"
	EnvRedisDB           = "REDIS_DB"
	EnvSnapStoreBackend  = "SNAP_STORE_BACKEND"
	EnvSnapStoreSQLDSN   = "SNAP_STORE_SQL_DSN"
	EnvCouchAddr         = "COUCH_ADDR"
	EnvCouchUser         = "COUCH_USER"
	EnvCouchPasswd       = "COUCH_PASSWD"
	EnvCouchChatDB       = "COUCH_CHAT_DB"
	EnvBlobRootDir       = "SNAP_BLOB_ROOT_DIR"
	EnvMediaBaseURL      = "SNAP_MEDIA_BASE_URL"
	EnvSnapRetention     = "SNAP_RETENTION"
	EnvSessionTTL        = "SNAP_SESSION_TTL"
	EnvDefaultAvatarURL  = "SNAP_DEFAULT_AVATAR_URL"
	EnvSnapJunkPoolSize  = "SNAP_STORE_JUNK_FETCHER_POOL_SIZE"
	EnvUserSearchMaxHits = "SNAP_USER_SEARCH_MAX_HITS"
	// writer
	EnvWriterAddr          = "SNAP_WRITER_ADDR"
	EnvReqBodySizeMaxByte  = "SNAP_REQ_BODY_SIZE_MAX_BYTE"
	EnvStagingDir          = "SNAP_STAGING_DIR"
	EnvUploadPoolSize      = "SNAP_UPLOAD_POOL_SIZE"
	EnvViewShortSeconds    = "SNAP_VIEW_SHORT_SECONDS"
	EnvViewDefaultSeconds  = "SNAP_VIEW_DEFAULT_SECONDS"
	EnvImageMaxEdgePx      = "SNAP_IMAGE_MAX_EDGE_PX"
	EnvImageQuality        = "SNAP_IMAGE_QUALITY"
	EnvImageUploadTimeout  = "SNAP_IMAGE_UPLOAD_TIMEOUT"
	EnvVideoUploadTimeout  = "SNAP_VIDEO_UPLOAD_TIMEOUT"
	EnvVideoChunkSizeByte  = "SNAP_VIDEO_CHUNK_SIZE_BYTE"
	EnvProfileCacheSize    = "SNAP_PROFILE_CACHE_SIZE"
	EnvProfileCacheExpiry  = "SNAP_PROFILE_CACHE_EXPIRY"
	EnvChatTextSizeMaxByte = "SNAP_CHAT_TEXT_SIZE_MAX_BYTE"
	// reader
	EnvReaderAddr       = "SNAP_READER_ADDR"
	EnvBlobDeleteGrace  = "SNAP_BLOB_DELETE_GRACE"
	EnvViewPoolSize     = "SNAP_VIEW_POOL_SIZE"
	EnvWSPingPeriod     = "SNAP_WS_PING_PERIOD"
	EnvWSSendBufferSize = "SNAP_WS_SEND_BUFFER_SIZE"
	// deleter
	EnvDeleterLocalCacheSize      = "SNAP_DELETER_LOCAL_CACHE_SIZE"
	EnvDeleterSweepFreq           = "SNAP_DELETER_SWEEP_FREQ"
	EnvDeleterMaxSweepLoad        = "SNAP_DELETER_MAX_SWEEP_LOAD"
	EnvDeleterExecutorPoolSize    = "SNAP_DELETER_EXEC_POOL_SIZE"
	EnvDeleterWIPCacheEntryExpiry = "SNAP_DELETER_WIP_CACHE_ENTRY_EXPIRY"

	// -------------- store backends --------------
	SnapStoreBackendRedis = "redis"
	SnapStoreBackendSQL   = "sql"

	// -------------- pub/sub --------------
	// redis channel the writers publish new snap notifications to and the readers relay from
	ChannelSnapNotifications = "snapNotifications"

	// -------------- error messages --------------
	ErrMsgRequestBodyTooLarge = "request body too large"

	// -------------- log fields --------------
	LogFieldFuncName = "funcName"
)

// SetDefaults registers default values of all configurable knobs with viper
func SetDefaults() {
	viper.SetDefault(EnvRedisHost, "localhost")
	viper.SetDefault(EnvRedisPort, "6379")
	viper.SetDefault(EnvRedisDB, 0)
	viper.SetDefault(EnvSnapStoreBackend, SnapStoreBackendRedis)
	viper.SetDefault(EnvSnapStoreSQLDSN, "snaps.db")
	viper.SetDefault(EnvCouchAddr, "http://localhost:5984")
	viper.SetDefault(EnvCouchChatDB, "chat")
	viper.SetDefault(EnvBlobRootDir, "/tmp/snap/blobs")
	viper.SetDefault(EnvMediaBaseURL, "http://localhost:8081/media")
	viper.SetDefault(EnvSnapRetention, 24*time.Hour)
	viper.SetDefault(EnvSessionTTL, 90*24*time.Hour)
	viper.SetDefault(EnvDefaultAvatarURL, "https://res.cloudinary.com/demo/image/upload/v1585829372/face.jpg")
	viper.SetDefault(EnvSnapJunkPoolSize, 8)
	viper.SetDefault(EnvUserSearchMaxHits, 20)

	viper.SetDefault(EnvWriterAddr, ":8080")
	viper.SetDefault(EnvReqBodySizeMaxByte, 10<<20)
	viper.SetDefault(EnvStagingDir, "/tmp/snap/staging")
	viper.SetDefault(EnvUploadPoolSize, 16)
	viper.SetDefault(EnvViewShortSeconds, 5)
	viper.SetDefault(EnvViewDefaultSeconds, 10)
	viper.SetDefault(EnvImageMaxEdgePx, 1440)
	viper.SetDefault(EnvImageQuality, 90)
	viper.SetDefault(EnvImageUploadTimeout, 2*time.Minute)
	viper.SetDefault(EnvVideoUploadTimeout, 10*time.Minute)
	viper.SetDefault(EnvVideoChunkSizeByte, 1<<20)
	viper.SetDefault(EnvProfileCacheSize, 1024)
	viper.SetDefault(EnvProfileCacheExpiry, 5*time.Minute)
	viper.SetDefault(EnvChatTextSizeMaxByte, 2000)

	viper.SetDefault(EnvReaderAddr, ":8081")
	viper.SetDefault(EnvBlobDeleteGrace, 30*time.Second)
	viper.SetDefault(EnvViewPoolSize, 64)
	viper.SetDefault(EnvWSPingPeriod, 30*time.Second)
	viper.SetDefault(EnvWSSendBufferSize, 16)

	viper.SetDefault(EnvDeleterLocalCacheSize, 4096)
	viper.SetDefault(EnvDeleterSweepFreq, time.Minute)
	viper.SetDefault(EnvDeleterMaxSweepLoad, 500)
	viper.SetDefault(EnvDeleterExecutorPoolSize, 8)
	viper.SetDefault(EnvDeleterWIPCacheEntryExpiry, 10*time.Minute)
}
