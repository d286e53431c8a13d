package store_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"thingstore/src/store"
	"thingstore/src/test_artefacts/stubs"
)

var _ = Describe("Cache-aside loading", func() {
	var (
		env   *testEnv
		stats *statsRecorder
		ctx   context.Context
	)

	BeforeEach(func() {
		stats = newStatsRecorder()
		env = newTestEnv(store.WithCacheStats(stats), store.WithCacheTTL(time.Minute))
		ctx = context.Background()
	})

	loadLink := func(ids ...int64) map[int64]*store.Thing {
		things, err := env.store.ByID(ctx, "link", ids, store.LoadOpts{})
		Expect(err).NotTo(HaveOccurred())
		return things
	}

	When("loading a cold batch and then a warm one", func() {
		It("should record misses, write back, and then serve hits", func() {
			// ARRANGE
			thing, err := stubs.NewLinkStub().Create(ctx, env.store)
			Expect(err).NotTo(HaveOccurred())
			env.cache.Flush()
			before := env.backend.Calls["GetThings"]

			// ACT
			loadLink(thing.ID)

			// ASSERT
			Expect(stats.Misses("link")).To(Equal(1))
			Expect(stats.Hits("link")).To(Equal(0))
			Expect(env.cache.Contains("link_" + itoa(thing.ID))).To(BeTrue())
			Expect(env.backend.Calls["GetThings"]).To(Equal(before + 1))

			loadLink(thing.ID)
			Expect(stats.Hits("link")).To(Equal(1))
			Expect(stats.Misses("link")).To(Equal(1))
			Expect(env.backend.Calls["GetThings"]).To(Equal(before + 1))
		})
	})

	When("identical cold batches race", func() {
		It("should compute the misses only once across callers", func() {
			// ARRANGE
			thing, err := stubs.NewLinkStub().Create(ctx, env.store)
			Expect(err).NotTo(HaveOccurred())
			env.cache.Flush()
			before := env.backend.Calls["GetThings"]

			// ACT: every caller asks for the same missing id at once
			const callers = 8
			errs := make([]error, callers)
			var wg sync.WaitGroup
			for c := 0; c < callers; c++ {
				wg.Add(1)
				go func(c int) {
					defer wg.Done()
					defer GinkgoRecover()
					_, errs[c] = env.store.ByID(ctx, "link", []int64{thing.ID}, store.LoadOpts{})
				}(c)
			}
			wg.Wait()

			// ASSERT: one caller fetched under the batch lock, the rest found
			// the value on the re-check after acquiring
			for _, loadErr := range errs {
				Expect(loadErr).NotTo(HaveOccurred())
			}
			Expect(env.backend.Calls["GetThings"]).To(Equal(before + 1))
			Expect(env.cache.Contains("link_" + itoa(thing.ID))).To(BeTrue())
		})
	})

	When("a batch is partially cached", func() {
		It("should count the hit and fetch only the miss", func() {
			// ARRANGE
			warm, err := stubs.NewLinkStub().Create(ctx, env.store)
			Expect(err).NotTo(HaveOccurred())
			cold, err := stubs.NewLinkStub().Create(ctx, env.store)
			Expect(err).NotTo(HaveOccurred())
			Expect(env.cache.Delete(ctx, "link_"+itoa(cold.ID))).To(Succeed())

			// ACT
			things := loadLink(warm.ID, cold.ID)

			// ASSERT
			Expect(things).To(HaveLen(2))
			Expect(stats.Hits("link")).To(Equal(1))
			Expect(stats.Misses("link")).To(Equal(1))
		})
	})

	When("the write-back TTL elapses", func() {
		It("should miss again and recompute", func() {
			// ARRANGE: give the cache a clock so TTLs take effect
			env.cache.Clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			thing, err := stubs.NewLinkStub().Create(ctx, env.store)
			Expect(err).NotTo(HaveOccurred())
			env.cache.Flush()

			loadLink(thing.ID)
			before := env.backend.Calls["GetThings"]

			// ACT
			env.cache.Clock = env.cache.Clock.Add(2 * time.Minute)
			loadLink(thing.ID)

			// ASSERT
			Expect(env.backend.Calls["GetThings"]).To(Equal(before + 1))
			Expect(stats.Misses("link")).To(Equal(2))
		})
	})

	When("the cache read fails outright", func() {
		It("should recompute the full batch without caching", func() {
			// ARRANGE
			thing, err := stubs.NewLinkStub().WithUps(7).Create(ctx, env.store)
			Expect(err).NotTo(HaveOccurred())
			env.cache.Flush()
			env.cache.FailGetMulti = errCacheDown
			before := env.backend.Calls["GetThings"]

			// ACT
			things := loadLink(thing.ID)

			// ASSERT
			Expect(things[thing.ID].Ups).To(Equal(int64(7)))
			Expect(env.backend.Calls["GetThings"]).To(Equal(before + 1))
			Expect(env.cache.Contains("link_" + itoa(thing.ID))).To(BeFalse())
		})
	})

	When("the write-back fails", func() {
		It("should still return the batch, leaving the next load cold", func() {
			// ARRANGE
			thing, err := stubs.NewLinkStub().Create(ctx, env.store)
			Expect(err).NotTo(HaveOccurred())
			env.cache.Flush()
			env.cache.FailSetMulti = errCacheDown
			before := env.backend.Calls["GetThings"]

			// ACT
			first := loadLink(thing.ID)
			second := loadLink(thing.ID)

			// ASSERT
			Expect(first[thing.ID].ID).To(Equal(thing.ID))
			Expect(second[thing.ID].ID).To(Equal(thing.ID))
			Expect(env.backend.Calls["GetThings"]).To(Equal(before + 2))
		})
	})

	When("nothing is requested", func() {
		It("should not touch the cache or the backing store", func() {
			// ARRANGE
			before := env.cache.Calls["GetMulti"]

			// ACT
			things := loadLink()

			// ASSERT
			Expect(things).To(BeEmpty())
			Expect(env.cache.Calls["GetMulti"]).To(Equal(before))
		})
	})
})
