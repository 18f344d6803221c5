// Command deleter is a long-running worker deleting expired snap records and the media nobody viewed.
package main

import (
	"context"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/snap/common/logging"
	cst "wuyrush.io/snap/constants"
	md "wuyrush.io/snap/models"
	st "wuyrush.io/snap/stores"
)

func main() {
	if err := runDeleter(); err != nil {
		log.WithError(err).Fatal("error running deleter")
	}
}

func runDeleter() error {
	viper.AutomaticEnv()
	cst.SetDefaults()
	logging.SetupLog("snap-deleter", viper.GetBool(cst.EnvVerbose))
	// setup dependencies
	clog := logging.WithFuncName()
	client, err := st.NewRedisClient()
	if err != nil {
		clog.WithError(err).Error("error setting up Redis client")
		return err
	}
	defer client.Close()
	snaps, err := st.SetupSnapStore(client)
	if err != nil {
		clog.WithError(err).Error("error setting up SnapStore")
		return err
	}
	defer snaps.Close()
	blobs := st.SetupBlobStore()
	defer blobs.Close()
	d := newDeleter(snaps, blobs, md.SystemClock{},
		viper.GetInt(cst.EnvDeleterLocalCacheSize),
		viper.GetInt(cst.EnvDeleterExecutorPoolSize),
		viper.GetInt(cst.EnvDeleterMaxSweepLoad),
		viper.GetDuration(cst.EnvDeleterWIPCacheEntryExpiry),
	)
	// ensure the worker can be responsive to system signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := d.Run(ctx, viper.GetDuration(cst.EnvDeleterSweepFreq)); err != nil {
		return err
	}
	return nil
}
