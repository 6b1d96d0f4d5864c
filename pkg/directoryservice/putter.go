package directoryservice

import (
	"context"
	"errors"
	"fmt"

	"code.tvl.fyi/tvix/castorefs/pkg/castorev1"
)

// ErrPutterAlreadyClosed is returned by Put/Close once the putter has
// already been closed.
var ErrPutterAlreadyClosed = errors.New("directoryservice: putter already closed")

// ErrPutterClosedByPeer is returned by Put when the backend has
// half-closed the upload channel before the client called Close.
var ErrPutterClosedByPeer = errors.New("directoryservice: putter closed by peer")

// ErrUploadFailed wraps a failure to persist one of the batch's
// directories.
var ErrUploadFailed = errors.New("directoryservice: upload failed")

// Putter is a batched upload session: directories must be sent
// leaves-first, since a directory referencing an as-yet-unsent child is
// rejected. On Close, the digest of the last directory sent is returned
// as the root of the batch.
type Putter struct {
	ctx        context.Context
	s          *Service
	known      map[castorev1.B3Digest]struct{}
	last       castorev1.B3Digest
	haveLast   bool
	closed     bool
	peerClosed bool
	failed     error
}

// PutMultipleStart begins a batched upload session.
func (s *Service) PutMultipleStart(ctx context.Context) *Putter {
	return &Putter{
		ctx:   ctx,
		s:     s,
		known: make(map[castorev1.B3Digest]struct{}),
	}
}

// IsClosed reports whether the session has been terminated, either by
// the caller (via Close) or by the backend (peer-closed).
func (p *Putter) IsClosed() bool {
	return p.closed || p.peerClosed
}

// Put validates directory and uploads it. Every subdirectory child must
// have been accepted by a prior Put call in this same session, since
// the backend enforces leaves-first referential order.
func (p *Putter) Put(directory *castorev1.Directory) error {
	if p.closed {
		return ErrPutterAlreadyClosed
	}
	if p.peerClosed {
		return ErrPutterClosedByPeer
	}
	if p.failed != nil {
		return p.failed
	}

	for _, sub := range directory.Directories {
		childDigest, err := castorev1.NewB3Digest(sub.Digest)
		if err != nil {
			p.failed = fmt.Errorf("%w: %v", ErrUploadFailed, err)
			return p.failed
		}
		if _, ok := p.known[childDigest]; !ok {
			p.peerClosed = true
			return ErrPutterClosedByPeer
		}
	}

	digest, err := p.s.Put(p.ctx, directory)
	if err != nil {
		p.failed = fmt.Errorf("%w: %v", ErrUploadFailed, err)
		return p.failed
	}

	p.known[digest] = struct{}{}
	p.last = digest
	p.haveLast = true
	return nil
}

// Close ends the session, returning the digest of the last directory
// sent, treated as the batch's root.
func (p *Putter) Close() (castorev1.B3Digest, error) {
	if p.closed {
		return castorev1.B3Digest{}, ErrPutterAlreadyClosed
	}
	p.closed = true

	if p.failed != nil {
		return castorev1.B3Digest{}, p.failed
	}
	if !p.haveLast {
		return castorev1.B3Digest{}, fmt.Errorf("directoryservice: close on empty putter")
	}
	return p.last, nil
}
