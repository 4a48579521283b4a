package remote

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Feeds shares live subscriptions between observers. Each distinct query maps
// to exactly one underlying Watch while at least one observer holds it; the
// last release tears the subscription down. A terminal error on the
// underlying subscription fans out to every observer and removes the entry —
// resubscription is the owner's call, not the registry's.
type Feeds struct {
	store  Store
	logger *zap.Logger

	mu    sync.Mutex
	feeds map[string]*feed
}

type feed struct {
	query     Query
	cancel    func()
	mu        sync.Mutex
	observers map[int]chan Snapshot
	next      int
	last      *Snapshot
	done      bool
}

// NewFeeds creates an empty registry over the given store.
func NewFeeds(store Store, logger *zap.Logger) *Feeds {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feeds{store: store, logger: logger, feeds: make(map[string]*feed)}
}

// Subscribe attaches an observer to the shared feed for q, starting the
// underlying subscription if this is the first observer. The last seen
// snapshot, if any, is replayed immediately so late joiners do not wait for
// the next remote change. The returned func detaches the observer; it is
// safe to call more than once.
func (f *Feeds) Subscribe(q Query) (<-chan Snapshot, func(), error) {
	f.mu.Lock()
	fd, ok := f.feeds[q.ID()]
	if !ok {
		fd = &feed{query: q, observers: make(map[int]chan Snapshot)}
		ctx, cancel := context.WithCancel(context.Background())
		src, stop, err := f.store.Watch(ctx, q)
		if err != nil {
			cancel()
			f.mu.Unlock()
			return nil, nil, err
		}
		fd.cancel = func() {
			stop()
			cancel()
		}
		f.feeds[q.ID()] = fd
		go f.pump(fd, src)
	}
	f.mu.Unlock()

	fd.mu.Lock()
	ch := make(chan Snapshot, 16)
	if fd.done {
		// Feed died between lookup and attach. Hand back a closed channel so
		// the observer sees immediate termination and can resubscribe.
		fd.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	id := fd.next
	fd.next++
	fd.observers[id] = ch
	if fd.last != nil {
		ch <- *fd.last
	}
	fd.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() { f.release(fd, id) })
	}
	return ch, release, nil
}

// ObserverCount reports how many observers are attached to q's feed.
func (f *Feeds) ObserverCount(q Query) int {
	f.mu.Lock()
	fd, ok := f.feeds[q.ID()]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	fd.mu.Lock()
	defer fd.mu.Unlock()
	return len(fd.observers)
}

// Close tears down every active feed.
func (f *Feeds) Close() {
	f.mu.Lock()
	feeds := f.feeds
	f.feeds = make(map[string]*feed)
	f.mu.Unlock()

	for _, fd := range feeds {
		fd.cancel()
		fd.mu.Lock()
		for id, ch := range fd.observers {
			close(ch)
			delete(fd.observers, id)
		}
		fd.done = true
		fd.mu.Unlock()
	}
}

func (f *Feeds) pump(fd *feed, src <-chan Snapshot) {
	for snap := range src {
		fd.mu.Lock()
		if snap.Err == nil {
			s := snap
			fd.last = &s
		}
		for _, ch := range fd.observers {
			select {
			case ch <- snap:
			default:
				// Slow observer: drop rather than stall the feed. The next
				// snapshot is a full result set, so nothing is lost for good.
			}
		}
		done := false
		if snap.Err != nil {
			f.logger.Warn("feed terminated",
				zap.String("query", fd.query.ID()), zap.Error(snap.Err))
			for id, ch := range fd.observers {
				close(ch)
				delete(fd.observers, id)
			}
			fd.done = true
			done = true
		}
		fd.mu.Unlock()
		if done {
			f.drop(fd)
			return
		}
	}
}

func (f *Feeds) release(fd *feed, id int) {
	fd.mu.Lock()
	if ch, ok := fd.observers[id]; ok {
		close(ch)
		delete(fd.observers, id)
	}
	empty := len(fd.observers) == 0 && !fd.done
	if empty {
		fd.done = true
	}
	fd.mu.Unlock()

	if empty {
		fd.cancel()
		f.drop(fd)
	}
}

func (f *Feeds) drop(fd *feed) {
	f.mu.Lock()
	if cur, ok := f.feeds[fd.query.ID()]; ok && cur == fd {
		delete(f.feeds, fd.query.ID())
	}
	f.mu.Unlock()
}
