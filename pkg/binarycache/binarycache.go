// Package binarycache exposes a read-only HTTP binary-cache façade
// (.narinfo / /nar/*.nar) over the same blob, directory and pathinfo
// services the FUSE projection uses, for tooling that expects a Nix
// binary cache rather than a mounted filesystem.
package binarycache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"

	"code.tvl.fyi/tvix/castorefs/pkg/blobservice"
	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"code.tvl.fyi/tvix/castorefs/pkg/directoryservice"
	"code.tvl.fyi/tvix/castorefs/pkg/pathinfoservice"
	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	nixhash "github.com/nix-community/go-nix/pkg/hash"
	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/nixbase32"
	"github.com/nix-community/go-nix/pkg/storepath"
	log "github.com/sirupsen/logrus"
)

// narHashType is the multihash code for BLAKE3 (0x1e), since every
// digest in this store, including the NAR digest recorded on a
// PathInfo's Narinfo, is BLAKE3 rather than classic Nix's SHA-256.
const narHashType = 0x1e

// Handler serves the read-only binary-cache routes.
type Handler struct {
	router chi.Router
}

// New wires the binary-cache routes over the given services. priority is
// advertised in /nix-cache-info, following Nix's binary-cache convention
// (lower sorts first).
func New(blobs *blobservice.Service, directories *directoryservice.Service, pathInfos *pathinfoservice.Service, priority int, enableAccessLog bool) *Handler {
	r := chi.NewRouter()
	if enableAccessLog {
		r.Use(middleware.Logger)
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tvix-castorefs binary cache"))
	})
	r.Get("/nix-cache-info", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(fmt.Sprintf("StoreDir: %s\nWantMassQuery: 1\nPriority: %d\n", storepath.StoreDir, priority)))
	})

	registerNarinfoGet(r, pathInfos)
	registerNarGet(r, directories, blobs, pathInfos)

	return &Handler{router: r}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func registerNarinfoGet(r chi.Router, pathInfos *pathinfoservice.Service) {
	pattern := "/{outputhash:^[" + nixbase32.Alphabet + "]{32}}.narinfo"
	r.Get(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		entry := log.WithField("outputhash", chi.URLParam(r, "outputhash"))

		rawDigest, err := nixbase32.DecodeString(chi.URLParam(r, "outputhash"))
		if err != nil {
			entry.WithError(err).Error("unable to decode output hash from url")
			http.Error(w, "unable to decode output hash from url", http.StatusBadRequest)
			return
		}
		var digestKey [storepath.PathHashSize]byte
		copy(digestKey[:], rawDigest)

		pathInfo, found, err := pathInfos.Get(ctx, digestKey)
		if err != nil {
			entry.WithError(err).Error("unable to get pathinfo")
			http.Error(w, "unable to get pathinfo", http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}

		body, err := renderNarinfo(pathInfo)
		if err != nil {
			entry.WithError(err).Error("unable to render narinfo")
			http.Error(w, "unable to render narinfo", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(body))
	})
}

func renderNarinfo(pathInfo *storev1.PathInfo) (string, error) {
	sp, err := pathInfo.Validate()
	if err != nil {
		return "", fmt.Errorf("invalid pathinfo: %w", err)
	}

	narHash, err := nixhash.FromHashTypeAndDigest(narHashType, pathInfo.Narinfo.NarSha256)
	if err != nil {
		return "", fmt.Errorf("invalid nar hash: %w", err)
	}

	ni := narinfo.NarInfo{
		StorePath:   sp.Absolute(),
		URL:         "nar/" + nixbase32.EncodeToString(narHash.Digest()) + ".nar",
		Compression: "none",
		NarHash:     narHash,
		NarSize:     pathInfo.Narinfo.NarSize,
		References:  referenceNames(pathInfo),
	}

	return ni.String(), nil
}

func referenceNames(pathInfo *storev1.PathInfo) []string {
	names := make([]string, 0, len(pathInfo.References))
	for _, ref := range pathInfo.References {
		var digestKey [storepath.PathHashSize]byte
		copy(digestKey[:], ref)
		names = append(names, nixbase32.EncodeToString(digestKey[:]))
	}
	return names
}

func registerNarGet(r chi.Router, directories *directoryservice.Service, blobs *blobservice.Service, pathInfos *pathinfoservice.Service) {
	pattern := "/nar/{narhash:^[" + nixbase32.Alphabet + "]{52}}.nar"
	r.Get(pattern, func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		entry := log.WithField("narhash", chi.URLParam(r, "narhash"))

		narSha256, err := nixbase32.DecodeString(chi.URLParam(r, "narhash"))
		if err != nil {
			entry.WithError(err).Error("unable to decode nar hash from url")
			http.Error(w, "unable to decode nar hash from url", http.StatusBadRequest)
			return
		}

		pathInfo, found, err := pathInfos.GetByNarHash(ctx, narSha256)
		if err != nil {
			entry.WithError(err).Error("unable to look up pathinfo by nar hash")
			http.Error(w, "unable to look up pathinfo by nar hash", http.StatusInternalServerError)
			return
		}
		if !found {
			http.NotFound(w, r)
			return
		}

		directoryLookup := func(digest castorev1.B3Digest) (*castorev1.Directory, error) {
			d, ok, err := directories.Get(ctx, digest)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("directory %s: %w", digest, fs.ErrNotExist)
			}
			return d, nil
		}
		blobLookup := func(digest castorev1.B3Digest) (io.ReadCloser, error) {
			rdr, ok, err := blobs.Open(ctx, digest)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("blob %s: %w", digest, fs.ErrNotExist)
			}
			return rdr, nil
		}

		w.Header().Set("Content-Type", "application/x-nix-archive")
		if err := storev1.Export(w, pathInfo.Node, directoryLookup, blobLookup); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				http.NotFound(w, r)
				return
			}
			entry.WithError(err).Error("unable to export nar")
		}
	})
}
