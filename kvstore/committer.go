/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package kvstore

import (
	"context"
	"fmt"

	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/retry"
)

// enqueueCommit hands the slot, with one reference already retained by the caller,
// over to the background committer. The reference is released by the committer,
// or right here when the queue is full and the commit is dropped.
func (s *Store[K, V]) enqueueCommit(key K, shard *storeShard[K, V], slot *storeSlot[K, V]) {
	select {
	case s.deferredCommits <- deferredCommit[K, V]{key: key, slot: slot}:
	default:
		// The caller must never block on a commit the policy does not require it to await.
		shard.releaseRef(slot)
		s.metricsCollector.IncDroppedCommits()
		if s.logger != nil {
			s.logger.Warn("deferred commit queue is full, commit dropped",
				log.String("key", fmt.Sprint(key)))
		}
	}
}

func (s *Store[K, V]) runCommitter() {
	defer close(s.doneCh)
	for {
		select {
		case task := <-s.deferredCommits:
			s.commitDeferred(task)
		case <-s.stopCh:
			for {
				select {
				case task := <-s.deferredCommits:
					s.commitDeferred(task)
				default:
					return
				}
			}
		}
	}
}

func (s *Store[K, V]) commitDeferred(task deferredCommit[K, V]) {
	defer s.shardFor(task.key).releaseRef(task.slot)

	ctx, cancel := context.WithTimeout(context.Background(), s.deferredCommitTimeout)
	defer cancel()

	var err error
	if s.commitRetryPolicy != nil {
		err = retry.DoWithRetry(ctx, s.commitRetryPolicy, nil, nil, func(ctx context.Context) error {
			return s.commitLatest(ctx, task)
		})
	} else {
		err = s.commitLatest(ctx, task)
	}
	if err != nil {
		s.metricsCollector.IncCommitErrors()
		if s.logger != nil {
			s.logger.Error("deferred commit failed",
				log.String("key", fmt.Sprint(task.key)), log.Error(err))
		}
		return
	}
	s.metricsCollector.IncCommits()
}

// commitLatest commits the freshest version of the entry: the slot is acquired so
// the commit cannot race with an in-flight mutation and picks up any state admitted
// after the commit was enqueued. The task's retained reference keeps the slot alive.
func (s *Store[K, V]) commitLatest(ctx context.Context, task deferredCommit[K, V]) error {
	select {
	case task.slot.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-task.slot.sem }()

	return s.upstream.Commit(ctx, task.key, task.slot.value)
}
