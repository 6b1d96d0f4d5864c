// Command tvix-castorefs-serve exposes a store as a read-only Nix
// binary cache over HTTP.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"code.tvl.fyi/tvix/castorefs/pkg/binarycache"
	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/pathinfoservice"
	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

var cli struct {
	LogLevel        string `enum:"trace,debug,info,warn,error,fatal,panic" help:"The log level to log with" default:"info"`
	ListenAddr      string `name:"listen-addr" help:"The address this service listens on" default:"[::]:9000"`
	StoreURL        string `name:"store-url" help:"A gocloud.dev/blob URL the blob/directory/pathinfo services are rooted under" required:""`
	Priority        int    `help:"Priority advertised in /nix-cache-info; lower sorts first" default:"50"`
	EnableAccessLog bool   `name:"access-log" help:"Enable access logging" default:"true" negatable:""`
}

func main() {
	_ = kong.Parse(&cli)

	logLevel, err := log.ParseLevel(cli.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bucket, err := blob.OpenBucket(ctx, cli.StoreURL)
	if err != nil {
		log.WithError(err).Fatal("unable to open store URL")
	}
	defer bucket.Close()

	blobs := blobservice.New(bucket, 0)
	directories := directoryservice.New(bucket)
	pathInfos := pathinfoservice.New(bucket)

	handler := binarycache.New(blobs, directories, pathInfos, cli.Priority, cli.EnableAccessLog)

	srv := &http.Server{Addr: cli.ListenAddr, Handler: handler}

	log.WithField("addr", cli.ListenAddr).Info("starting binary cache")
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	stop()
	log.Info("received signal, shutting down")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		log.WithError(err).Warn("failed to shut down cleanly")
		os.Exit(1)
	}
}
