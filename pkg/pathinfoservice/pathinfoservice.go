// Package pathinfoservice stores and fetches PathInfo records, keyed by
// the 20-byte truncated digest embedded in a store-path basename.
package pathinfoservice

import (
	"context"
	"fmt"
	"io"

	"code.tvl.fyi/tvix/castorefs/pkg/storev1"
	"github.com/cenkalti/backoff/v4"
	"github.com/nix-community/go-nix/pkg/nixbase32"
	"github.com/nix-community/go-nix/pkg/storepath"
	log "github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

// Service stores and fetches PathInfo records.
type Service struct {
	bucket *blob.Bucket
}

// New wraps an already-opened bucket as a PathInfo Service.
func New(bucket *blob.Bucket) *Service {
	return &Service{bucket: bucket}
}

func pathInfoKey(digestKey [storepath.PathHashSize]byte) string {
	return "pathinfo/" + nixbase32.EncodeToString(digestKey[:])
}

func narHashIndexKey(narSha256 []byte) string {
	return "narhash/" + nixbase32.EncodeToString(narSha256)
}

// Get returns the PathInfo whose store-path digest is digestKey, or
// (nil, false) if absent.
func (s *Service) Get(ctx context.Context, digestKey [storepath.PathHashSize]byte) (*storev1.PathInfo, bool, error) {
	key := pathInfoKey(digestKey)

	var raw []byte
	err := withRetry(ctx, func() error {
		var err error
		raw, err = s.bucket.ReadAll(ctx, key)
		return err
	})
	if err != nil {
		if s.bucket.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pathinfoservice: unable to read %s: %w", key, err)
	}

	pathInfo, err := unmarshalPathInfo(raw)
	if err != nil {
		return nil, false, fmt.Errorf("pathinfoservice: %s did not parse: %w", key, err)
	}

	sp, err := pathInfo.Validate()
	if err != nil {
		return nil, false, fmt.Errorf("pathinfoservice: %s failed validation: %w", key, err)
	}
	if sp.Digest == nil || [storepath.PathHashSize]byte(sp.Digest) != digestKey {
		return nil, false, fmt.Errorf("pathinfoservice: %s stored under wrong key", key)
	}

	return pathInfo, true, nil
}

// Put validates and stores pathInfo, returning the stored record.
func (s *Service) Put(ctx context.Context, pathInfo *storev1.PathInfo) (*storev1.PathInfo, error) {
	sp, err := pathInfo.Validate()
	if err != nil {
		return nil, fmt.Errorf("pathinfoservice: refusing to store invalid pathinfo: %w", err)
	}

	var digestKey [storepath.PathHashSize]byte
	copy(digestKey[:], sp.Digest)
	key := pathInfoKey(digestKey)

	if err := withRetry(ctx, func() error {
		return s.bucket.WriteAll(ctx, key, marshalPathInfo(pathInfo), nil)
	}); err != nil {
		return nil, fmt.Errorf("pathinfoservice: unable to write %s: %w", key, err)
	}

	if pathInfo.Narinfo != nil && len(pathInfo.Narinfo.NarSha256) > 0 {
		indexKey := narHashIndexKey(pathInfo.Narinfo.NarSha256)
		if err := withRetry(ctx, func() error {
			return s.bucket.WriteAll(ctx, indexKey, digestKey[:], nil)
		}); err != nil {
			return nil, fmt.Errorf("pathinfoservice: unable to write %s: %w", indexKey, err)
		}
	}

	return pathInfo, nil
}

// GetByNarHash resolves a PathInfo via the NAR digest recorded in its
// Narinfo, for callers (the binary-cache read façade) that only have a
// NAR hash to go on, not a store-path digest.
func (s *Service) GetByNarHash(ctx context.Context, narSha256 []byte) (*storev1.PathInfo, bool, error) {
	indexKey := narHashIndexKey(narSha256)

	var raw []byte
	err := withRetry(ctx, func() error {
		var err error
		raw, err = s.bucket.ReadAll(ctx, indexKey)
		return err
	})
	if err != nil {
		if s.bucket.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pathinfoservice: unable to read %s: %w", indexKey, err)
	}
	if len(raw) != storepath.PathHashSize {
		return nil, false, fmt.Errorf("pathinfoservice: %s has malformed contents", indexKey)
	}

	var digestKey [storepath.PathHashSize]byte
	copy(digestKey[:], raw)
	return s.Get(ctx, digestKey)
}

// List enumerates all known PathInfos. Used only for optional
// root-listing in the FUSE projection.
func (s *Service) List(ctx context.Context) ([]*storev1.PathInfo, error) {
	var out []*storev1.PathInfo

	iter := s.bucket.List(&blob.ListOptions{Prefix: "pathinfo/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("pathinfoservice: listing failed: %w", err)
		}

		raw, err := s.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("pathinfoservice: unable to read %s: %w", obj.Key, err)
		}
		pathInfo, err := unmarshalPathInfo(raw)
		if err != nil {
			return nil, fmt.Errorf("pathinfoservice: %s did not parse: %w", obj.Key, err)
		}
		out = append(out, pathInfo)
	}

	return out, nil
}

func withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil {
			log.WithError(err).Debug("pathinfoservice: transient storage error, retrying")
		}
		return err
	}, b)
}
