// Command writer serves the write API of snap service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/snap/common/jobs"
	"wuyrush.io/snap/common/logging"
	cst "wuyrush.io/snap/constants"
	"wuyrush.io/snap/metrics"
	md "wuyrush.io/snap/models"
	"wuyrush.io/snap/notify"
	st "wuyrush.io/snap/stores"
	"wuyrush.io/snap/upload"
)

// drain budget for in-flight uploads upon termination
const (
	shutdownTimeout    = 5 * time.Minute
	uploadReadTimeout  = 2 * time.Minute // uploads of large video over slow links
	responseWriteGrace = time.Minute
)

func main() {
	if err := serve(); err != nil {
		log.WithError(err).Fatal("error starting up writer and serving requests")
	}
}

func serve() error {
	viper.AutomaticEnv()
	cst.SetDefaults()
	logging.SetupLog("snap-writer", viper.GetBool(cst.EnvVerbose))
	clog := logging.WithFuncName()
	if err := metrics.Register(nil); err != nil {
		return err
	}
	// initialize dependencies in data layer
	// NOTE docker compose's depends_on feature only guarantee the startup order of *service containers*,
	// instead of the services themselves - It is us who define when the services are ready
	client, err := st.NewRedisClient()
	if err != nil {
		return err
	}
	defer client.Close()
	snaps, err := st.SetupSnapStore(client)
	if err != nil {
		return err
	}
	defer snaps.Close()
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

	stager := &upload.Stager{Dir: viper.GetString(cst.EnvStagingDir)}
	supervisor := jobs.NewSupervisor("upload", viper.GetInt(cst.EnvUploadPoolSize))
	wrt := &writer{
		Users: users,
		Chat:  chat,
		Uploads: &upload.Pipeline{
			Blobs:    blobs,
			Snaps:    snaps,
			Profiles: st.SetupProfileCache(users),
			Notifier: &notify.RedisPublisher{DB: client},
			Jobs:     supervisor,
			Stager:   stager,
			Strategy: upload.DefaultProfiles(),
			Clock:    md.SystemClock{},
		},
		Stager:         stager,
		Clock:          md.SystemClock{},
		MaxReqBodySize: viper.GetInt64(cst.EnvReqBodySizeMaxByte),
		ShortSecs:      viper.GetInt(cst.EnvViewShortSeconds),
		DefaultSecs:    viper.GetInt(cst.EnvViewDefaultSeconds),
		ChatTextMax:    viper.GetInt(cst.EnvChatTextSizeMaxByte),
	}
	wrt.SetupRoutes()
	svr := newHTTPServer(viper.GetString(cst.EnvWriterAddr), wrt, uploadReadTimeout)

	errc := make(chan error, 1)
	go func() {
		clog.WithField("addr", svr.Addr).Info("writer is starting up")
		errc <- svr.ListenAndServe()
	}()
	// ensure the server can be responsive to system signals
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
	if err := svr.Shutdown(ctx); err != nil {
		clog.WithError(err).Error("error shutting down http server")
	}
	// accepted uploads run to completion
	if err := supervisor.Shutdown(ctx); err != nil {
		clog.WithError(err).Error("uploads did not finish in time")
		return err
	}
	return nil
}

// newHTTPServer builds the writer's http server. The write deadline starts once request headers are read,
// so it covers the upload body as well and must outlast readTimeout for the acknowledgement to get through
func newHTTPServer(addr string, h http.Handler, readTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:           addr,
		Handler:        h,
		ReadTimeout:    readTimeout,
		WriteTimeout:   readTimeout + responseWriteGrace,
		MaxHeaderBytes: 1 << 12,
	}
}
