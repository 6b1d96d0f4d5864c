// Command tvix-castorefs-ingest fetches a single URL and ingests it
// into a store as a content-addressed PathInfo.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/importer"
	"code.tvl.fyi/tvix/castorefs/pkg/pathinfoservice"
	"github.com/alecthomas/kong"
	log "github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
)

var cli struct {
	LogLevel        string `enum:"trace,debug,info,warn,error,fatal,panic" help:"The log level to log with" default:"info"`
	StoreURL        string `name:"store-url" help:"A gocloud.dev/blob URL the blob/directory/pathinfo services are rooted under" required:""`
	URL             string `arg:"" help:"The URL (http(s):// or file://) to fetch"`
	Name            string `help:"The store-path name to mint" required:""`
	Hash            string `help:"The expected BLAKE3 content-address hash, as lowercase hex" required:""`
	Type            string `enum:"plain,nar,tarball,executable" help:"How to interpret the fetched bytes" default:"plain"`
	StripComponents int    `name:"strip-components" help:"Leading path components to strip for tarball ingestion (0 defaults to 1)" default:"0"`
}

func fetchTypeFromFlag(s string) importer.Type {
	switch s {
	case "nar":
		return importer.NAR
	case "tarball":
		return importer.Tarball
	case "executable":
		return importer.Executable
	default:
		return importer.Plain
	}
}

func openSource(ctx context.Context, url string) (io.ReadCloser, error) {
	if strings.HasPrefix(url, "file://") {
		return os.Open(strings.TrimPrefix(url, "file://"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}
	return resp.Body, nil
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

	rawHash, err := hex.DecodeString(cli.Hash)
	if err != nil {
		log.WithError(err).Fatal("invalid hash")
	}
	wantedHash, err := castorev1.NewB3Digest(rawHash)
	if err != nil {
		log.WithError(err).Fatal("invalid hash")
	}

	bucket, err := blob.OpenBucket(ctx, cli.StoreURL)
	if err != nil {
		log.WithError(err).Fatal("unable to open store URL")
	}
	defer bucket.Close()

	blobs := blobservice.New(bucket, 0)
	directories := directoryservice.New(bucket)
	pathInfos := pathinfoservice.New(bucket)
	im := importer.New(blobs, directories, pathInfos)

	src, err := openSource(ctx, cli.URL)
	if err != nil {
		log.WithError(err).Fatal("unable to fetch source")
	}
	defer src.Close()

	d := importer.Descriptor{
		URL:             cli.URL,
		Name:            cli.Name,
		WantedHash:      wantedHash,
		Type:            fetchTypeFromFlag(cli.Type),
		StripComponents: cli.StripComponents,
	}

	basename, _, err := im.Ingest(ctx, src, d)
	if err != nil {
		log.WithError(err).Fatal("ingest failed")
	}

	fmt.Println(basename)
}
