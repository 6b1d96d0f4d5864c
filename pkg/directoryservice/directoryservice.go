// Package directoryservice stores, fetches, and validates Merkle-DAG
// directory messages, and streams recursive closures in depth-first
// order, backed by an arbitrary gocloud.dev/blob bucket.
package directoryservice

import (
	"context"
	"errors"
	"fmt"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrReceivedUnexpected is returned by a recursive-get stream when the
// server yields a directory digest that was not in the expected set.
var ErrReceivedUnexpected = errors.New("directoryservice: received unexpected directory digest")

// ErrPrematureEnd is returned by a recursive-get stream that terminates
// with outstanding expected digests.
var ErrPrematureEnd = errors.New("directoryservice: stream ended with directories still expected")

// Service stores and fetches Directory messages keyed by their BLAKE3
// digest.
type Service struct {
	bucket *blob.Bucket
}

// New wraps an already-opened bucket as a directory Service.
func New(bucket *blob.Bucket) *Service {
	return &Service{bucket: bucket}
}

func directoryKey(digest castorev1.B3Digest) string {
	hex := digest.String()
	return fmt.Sprintf("directories/b3/%s/%s", hex[0:2], hex)
}

// Get returns the directory with the given digest, or (nil, false) if
// absent. The returned directory is validated both for internal
// consistency (§3 invariants) and for digest consistency with the key
// it was stored under.
func (s *Service) Get(ctx context.Context, digest castorev1.B3Digest) (*castorev1.Directory, bool, error) {
	key := directoryKey(digest)

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
		return nil, false, fmt.Errorf("directoryservice: unable to read %s: %w", key, err)
	}

	directory, err := castorev1.UnmarshalDirectory(raw)
	if err != nil {
		return nil, false, fmt.Errorf("directoryservice: %s did not parse: %w", key, err)
	}
	if err := directory.Validate(); err != nil {
		return nil, false, fmt.Errorf("directoryservice: %s failed validation: %w", key, err)
	}
	if directory.Digest() != digest {
		return nil, false, fmt.Errorf("directoryservice: %s digest mismatch: requested %s, computed %s", key, digest, directory.Digest())
	}

	return directory, true, nil
}

// Put validates and uploads a single directory, returning its digest.
func (s *Service) Put(ctx context.Context, directory *castorev1.Directory) (castorev1.B3Digest, error) {
	if err := directory.Validate(); err != nil {
		return castorev1.B3Digest{}, fmt.Errorf("directoryservice: refusing to store invalid directory: %w", err)
	}

	digest := directory.Digest()
	key := directoryKey(digest)

	exists, err := s.exists(ctx, key)
	if err != nil {
		return castorev1.B3Digest{}, err
	}
	if exists {
		return digest, nil
	}

	if err := withRetry(ctx, func() error {
		return s.bucket.WriteAll(ctx, key, directory.MarshalCanonical(), nil)
	}); err != nil {
		return castorev1.B3Digest{}, fmt.Errorf("directoryservice: unable to write %s: %w", key, err)
	}
	return digest, nil
}

func (s *Service) exists(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := withRetry(ctx, func() error {
		var err error
		ok, err = s.bucket.Exists(ctx, key)
		return err
	})
	return ok, err
}

// RecursiveGetter yields, through Next, the directories reachable from
// root in depth-first order, starting with root itself. Iteration stops
// at the first error; callers must check Err once Next returns false.
type RecursiveGetter struct {
	ctx      context.Context
	s        *Service
	expected map[castorev1.B3Digest]struct{}
	stack    []castorev1.B3Digest
	err      error
	done     bool
}

// GetRecursive begins a lazy, depth-first traversal of root and
// everything reachable from it.
func (s *Service) GetRecursive(ctx context.Context, root castorev1.B3Digest) *RecursiveGetter {
	return &RecursiveGetter{
		ctx:      ctx,
		s:        s,
		expected: map[castorev1.B3Digest]struct{}{root: {}},
		stack:    []castorev1.B3Digest{root},
	}
}

// Next returns the next directory in depth-first order, or (nil, false)
// once the stream is exhausted. Err reports whether exhaustion was
// clean.
func (g *RecursiveGetter) Next() (*castorev1.Directory, bool) {
	if g.done || g.err != nil {
		return nil, false
	}
	if len(g.stack) == 0 {
		if len(g.expected) > 0 {
			g.err = ErrPrematureEnd
		}
		g.done = true
		return nil, false
	}

	digest := g.stack[len(g.stack)-1]
	g.stack = g.stack[:len(g.stack)-1]

	if _, ok := g.expected[digest]; !ok {
		g.err = ErrReceivedUnexpected
		g.done = true
		return nil, false
	}
	delete(g.expected, digest)

	directory, ok, err := g.s.Get(g.ctx, digest)
	if err != nil {
		g.err = err
		g.done = true
		return nil, false
	}
	if !ok {
		g.err = ErrPrematureEnd
		g.done = true
		return nil, false
	}

	// Push subdirectories in reverse so the first-listed (lexically
	// smallest) child is popped and visited first, preserving a
	// deterministic depth-first order.
	for i := len(directory.Directories) - 1; i >= 0; i-- {
		childDigest, err := castorev1.NewB3Digest(directory.Directories[i].Digest)
		if err != nil {
			g.err = fmt.Errorf("directoryservice: %w", err)
			g.done = true
			return nil, false
		}
		if _, ok := g.expected[childDigest]; ok {
			// Already queued by a sibling with identical contents.
			continue
		}
		g.expected[childDigest] = struct{}{}
		g.stack = append(g.stack, childDigest)
	}

	return directory, true
}

// Err returns the error that terminated the stream, if any.
func (g *RecursiveGetter) Err() error {
	return g.err
}

// withRetry wraps transient bucket I/O with a bounded exponential
// backoff, mirroring blobservice's retry policy.
func withRetry(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.WithError(err).Debug("directoryservice: transient storage error, retrying")
		}
		return err
	}, b)
}
