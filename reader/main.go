// Command reader serves the read API and push connections of snap service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/snap/common/jobs"
	"wuyrush.io/snap/common/logging"
	cst "wuyrush.io/snap/constants"
	"wuyrush.io/snap/metrics"
	md "wuyrush.io/snap/models"
	"wuyrush.io/snap/notify"
	"wuyrush.io/snap/snaps"
	st "wuyrush.io/snap/stores"
)

const shutdownTimeout = 2 * time.Minute

func main() {
	if err := serve(); err != nil {
		log.WithError(err).Fatal("error starting up reader and serving requests")
	}
}

func serve() error {
	viper.AutomaticEnv()
	cst.SetDefaults()
	logging.SetupLog("snap-reader", viper.GetBool(cst.EnvVerbose))
	gin.SetMode(gin.ReleaseMode)
	clog := logging.WithFuncName()
	if err := metrics.Register(nil); err != nil {
		return err
	}
	client, err := st.NewRedisClient()
	if err != nil {
		return err
	}
	defer client.Close()
	snapStore, err := st.SetupSnapStore(client)
	if err != nil {
		return err
	}
	defer snapStore.Close()
	users := st.SetupUserStore(client)
	defer users.Close()
	blobs := st.SetupBlobStore()
	defer blobs.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	chat, err := st.SetupChatStore(ctx)
	cancel()
	if err != nil {
		return err
	}
	defer chat.Close()

	hub := notify.NewHub(viper.GetDuration(cst.EnvWSPingPeriod), viper.GetInt(cst.EnvWSSendBufferSize))
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	if err := hub.Relay(relayCtx, client); err != nil {
		return err
	}
	supervisor := jobs.NewSupervisor("view", viper.GetInt(cst.EnvViewPoolSize))
	rd := &reader{
		Snaps: &snaps.Controller{
			Snaps:       snapStore,
			Blobs:       blobs,
			Profiles:    st.SetupProfileCache(users),
			Jobs:        supervisor,
			Clock:       md.SystemClock{},
			DeleteGrace: viper.GetDuration(cst.EnvBlobDeleteGrace),
		},
		Users:         users,
		Chat:          chat,
		Blobs:         blobs,
		Hub:           hub,
		SearchMaxHits: viper.GetInt(cst.EnvUserSearchMaxHits),
	}
	rd.SetupRoutes()
	// no write timeout: push connections are long-lived
	svr := &http.Server{
		Addr:           viper.GetString(cst.EnvReaderAddr),
		Handler:        rd.Router,
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 12,
	}

	errc := make(chan error, 1)
	go func() {
		clog.WithField("addr", svr.Addr).Info("reader is starting up")
		errc <- svr.ListenAndServe()
	}()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errc:
		return err
	case sig := <-sigChan:
		clog.WithField("signal", sig.String()).Info("got termination signal. Stopping")
	}
	ctx, cancel = context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopRelay()
	// hijacked push connections are not tracked by http.Server
	hub.Close()
	if err := svr.Shutdown(ctx); err != nil {
		clog.WithError(err).Error("error shutting down http server")
	}
	// pending media deletions of viewed snaps run right away
	if err := supervisor.Shutdown(ctx); err != nil {
		clog.WithError(err).Error("media deletions did not finish in time")
		return err
	}
	return nil
}
