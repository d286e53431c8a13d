package store_test

import (
	"context"
	"io"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"thingstore/src/store"
	"thingstore/src/test_artefacts/fakes"
)

var _ = Describe("LockService", func() {
	var (
		ctx   context.Context
		cache *fakes.MemCache
		locks *store.LockService
	)

	BeforeEach(func() {
		ctx = context.Background()
		cache = fakes.NewMemCache()
		logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
		locks = store.NewLockService(cache, logger).
			WithTimeouts(time.Minute, 50*time.Millisecond, 5*time.Millisecond)
	})

	When("the lock is free", func() {
		It("should acquire, release, and acquire again", func() {
			// ACT
			guard, err := locks.Acquire(ctx, "commit:t2_1")

			// ASSERT
			Expect(err).NotTo(HaveOccurred())
			Expect(cache.Contains("lock:commit:t2_1")).To(BeTrue())

			guard.Release(ctx)
			Expect(cache.Contains("lock:commit:t2_1")).To(BeFalse())

			again, err := locks.Acquire(ctx, "commit:t2_1")
			Expect(err).NotTo(HaveOccurred())
			again.Release(ctx)
		})
	})

	When("another holder keeps the lock past the timeout", func() {
		It("should give up with ErrLockTimeout", func() {
			// ARRANGE
			guard, err := locks.Acquire(ctx, "commit:t2_1")
			Expect(err).NotTo(HaveOccurred())
			defer guard.Release(ctx)

			// ACT
			_, err = locks.Acquire(ctx, "commit:t2_1")

			// ASSERT
			Expect(err).To(MatchError(store.ErrLockTimeout))
		})
	})

	When("the context is cancelled while waiting", func() {
		It("should stop polling and return the context error", func() {
			// ARRANGE
			guard, err := locks.Acquire(ctx, "commit:t2_1")
			Expect(err).NotTo(HaveOccurred())
			defer guard.Release(ctx)

			waitCtx, cancel := context.WithCancel(ctx)
			cancel()

			// ACT
			_, err = locks.Acquire(waitCtx, "commit:t2_1")

			// ASSERT
			Expect(err).To(MatchError(context.Canceled))
		})
	})

	When("the lock expired and was taken over", func() {
		It("should not release the new holder's lock", func() {
			// ARRANGE
			guard, err := locks.Acquire(ctx, "commit:t2_1")
			Expect(err).NotTo(HaveOccurred())

			// simulate expiry plus takeover by another process
			Expect(cache.Set(ctx, "lock:commit:t2_1", "someone-else", time.Minute)).To(Succeed())

			// ACT
			guard.Release(ctx)

			// ASSERT
			value, found := cache.Peek("lock:commit:t2_1")
			Expect(found).To(BeTrue())
			Expect(value).To(Equal("someone-else"))
		})
	})

	When("the cache's add primitive fails", func() {
		It("should surface the error instead of spinning", func() {
			// ARRANGE
			cache.FailAdd = errCacheDown

			// ACT
			_, err := locks.Acquire(ctx, "commit:t2_1")

			// ASSERT
			Expect(err).To(MatchError(errCacheDown))
		})
	})
})
