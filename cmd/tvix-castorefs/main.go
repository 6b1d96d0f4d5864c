// Command tvix-castorefs mounts a content-addressed store as a
// read-only FUSE filesystem.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/pathinfoservice"
	"code.tvl.fyi/tvix/castorefs/pkg/storefs"
	"github.com/alecthomas/kong"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	log "github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

var cli struct {
	LogLevel     string `enum:"trace,debug,info,warn,error,fatal,panic" help:"The log level to log with" default:"info"`
	StoreURL     string `name:"store-url" help:"A gocloud.dev/blob URL (mem://, file:///path) the blob/directory/pathinfo services are rooted under" required:""`
	MountPoint   string `arg:"" help:"Where to mount the filesystem"`
	ListRoot     bool   `name:"list-root" help:"Allow listing the store root (enumerates every PathInfo; expensive on a large store)" default:"false"`
	ShowXattr    bool   `name:"show-xattr" help:"Expose castore digests as extended attributes" default:"false"`
	AvgChunkSize int    `name:"avg-chunk-size" help:"Average FastCDC chunk size in bytes, 0 for the library default" default:"0"`
	AllowOther   bool   `name:"allow-other" help:"Allow all users to read the mount, not just the mounting user" default:"false"`
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

	blobs := blobservice.New(bucket, cli.AvgChunkSize)
	directories := directoryservice.New(bucket)
	pathInfos := pathinfoservice.New(bucket)

	fs := storefs.New(blobs, directories, pathInfos, storefs.Options{
		ListRoot:  cli.ListRoot,
		ShowXattr: cli.ShowXattr,
	})

	mountOptions := map[string]string{}
	if cli.AllowOther {
		mountOptions["allow_other"] = ""
	}

	mfs, err := fuse.Mount(cli.MountPoint, fuseutil.NewFileSystemServer(fs), &fuse.MountConfig{
		FSName:                 "tvix-castorefs",
		ReadOnly:               true,
		Options:                mountOptions,
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
	if err != nil {
		log.WithError(err).Fatal("unable to mount")
	}

	log.WithField("mountpoint", cli.MountPoint).Info("mounted")

	go func() {
		<-ctx.Done()
		log.Info("received signal, unmounting")
		if err := fuse.Unmount(cli.MountPoint); err != nil {
			log.WithError(err).Warn("unable to unmount cleanly")
			_ = syscall.Unmount(cli.MountPoint, 0)
		}
	}()

	if err := mfs.Join(context.Background()); err != nil {
		log.WithError(err).Fatal("fuse server failure")
	}
}
