package store_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"thingstore/src/store"
	"thingstore/src/test_artefacts/stubs"
)

var _ = Describe("Atomic increments", func() {
	var (
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		env = newTestEnv()
		ctx = context.Background()
	})

	Context("base counters", func() {
		When("incrementing ups", func() {
			It("should apply the delta in the backing store and in memory", func() {
				// ARRANGE
				thing, err := stubs.NewLinkStub().WithUps(5).Create(ctx, env.store)
				Expect(err).NotTo(HaveOccurred())

				// ACT
				err = thing.Incr(ctx, "ups", 3)

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				Expect(thing.Ups).To(Equal(int64(8)))

				env.cache.Flush()
				loaded, err := env.store.ByID(ctx, "link", []int64{thing.ID}, store.LoadOpts{})
				Expect(err).NotTo(HaveOccurred())
				Expect(loaded[thing.ID].Ups).To(Equal(int64(8)))
			})
		})

		When("a primed counter key exists", func() {
			It("should bump the counter instead of overwriting it", func() {
				// ARRANGE
				thing, err := stubs.NewLinkStub().WithUps(5).Create(ctx, env.store)
				Expect(err).NotTo(HaveOccurred())
				env.cache.Flush()
				// batch load primes the ups/downs counter keys
				_, err = env.store.ByID(ctx, "link", []int64{thing.ID}, store.LoadOpts{})
				Expect(err).NotTo(HaveOccurred())
				counterKey := "link_ups_" + itoa(thing.ID)
				Expect(env.cache.Contains(counterKey)).To(BeTrue())

				loaded, err := env.store.ByID(ctx, "link", []int64{thing.ID}, store.LoadOpts{})
				Expect(err).NotTo(HaveOccurred())

				// ACT
				Expect(loaded[thing.ID].Incr(ctx, "ups", 2)).To(Succeed())

				// ASSERT
				value, _ := env.cache.Peek(counterKey)
				Expect(value).To(Equal("7"))
				Expect(env.backend.Calls["IncrThingField"]).To(Equal(1))
			})
		})

		When("increments race on one row", func() {
			It("should apply every delta exactly once", func() {
				// ARRANGE
				thing, err := stubs.NewLinkStub().WithUps(0).Create(ctx, env.store)
				Expect(err).NotTo(HaveOccurred())

				// ACT: each caller loads its own copy and bumps ups under
				// the shared commit lock
				const callers = 8
				errs := make([]error, callers)
				var wg sync.WaitGroup
				for c := 0; c < callers; c++ {
					wg.Add(1)
					go func(c int) {
						defer wg.Done()
						defer GinkgoRecover()
						loaded, loadErr := env.store.ByID(ctx, "link", []int64{thing.ID}, store.LoadOpts{})
						if loadErr != nil {
							errs[c] = loadErr
							return
						}
						errs[c] = loaded[thing.ID].Incr(ctx, "ups", 1)
					}(c)
				}
				wg.Wait()

				// ASSERT
				for _, incrErr := range errs {
					Expect(incrErr).NotTo(HaveOccurred())
				}
				env.cache.Flush()
				loaded, err := env.store.ByID(ctx, "link", []int64{thing.ID}, store.LoadOpts{})
				Expect(err).NotTo(HaveOccurred())
				Expect(loaded[thing.ID].Ups).To(Equal(int64(callers)))
			})
		})

		When("incrementing a negative delta", func() {
			It("should decrement", func() {
				// ARRANGE
				thing, err := stubs.NewLinkStub().WithUps(5).Create(ctx, env.store)
				Expect(err).NotTo(HaveOccurred())

				// ACT
				Expect(thing.Incr(ctx, "ups", -2)).To(Succeed())

				// ASSERT
				Expect(thing.Ups).To(Equal(int64(3)))
			})
		})
	})

	Context("dynamic counters", func() {
		When("the prop still holds its declared default", func() {
			It("should fall back to an ordinary commit so the data row exists", func() {
				// ARRANGE
				account, err := stubs.NewAccountStub().Create(ctx, env.store)
				Expect(err).NotTo(HaveOccurred())

				// ACT
				err = account.Incr(ctx, "karma", 2)

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				karma, _ := account.Prop("karma")
				Expect(karma).To(Equal(int64(2)))
				// default-valued prop goes through the commit path, not in-place incr
				Expect(env.backend.Calls["IncrData"]).To(BeZero())

				env.cache.Flush()
				loaded, err := env.store.ByID(ctx, "account", []int64{account.ID}, store.LoadOpts{Data: true})
				Expect(err).NotTo(HaveOccurred())
				karma, _ = loaded[account.ID].Prop("karma")
				Expect(karma).To(Equal(int64(2)))
			})
		})

		When("the prop has moved off its default", func() {
			It("should use the in-place backing-store increment", func() {
				// ARRANGE
				account, err := stubs.NewAccountStub().Create(ctx, env.store)
				Expect(err).NotTo(HaveOccurred())
				Expect(account.Incr(ctx, "karma", 2)).To(Succeed())

				// ACT
				Expect(account.Incr(ctx, "karma", 3)).To(Succeed())

				// ASSERT
				Expect(env.backend.Calls["IncrData"]).To(Equal(1))
				karma, _ := account.Prop("karma")
				Expect(karma).To(Equal(int64(5)))

				env.cache.Flush()
				loaded, err := env.store.ByID(ctx, "account", []int64{account.ID}, store.LoadOpts{Data: true})
				Expect(err).NotTo(HaveOccurred())
				karma, _ = loaded[account.ID].Prop("karma")
				Expect(karma).To(Equal(int64(5)))
			})
		})
	})

	Context("illegal increments", func() {
		When("the thing has uncommitted changes", func() {
			It("should refuse with ErrInvalidOperation", func() {
				// ARRANGE
				thing, err := stubs.NewLinkStub().Create(ctx, env.store)
				Expect(err).NotTo(HaveOccurred())
				thing.SetProp("title", "dirty now")

				// ACT
				err = thing.Incr(ctx, "ups", 1)

				// ASSERT
				Expect(err).To(MatchError(store.ErrInvalidOperation))
			})
		})

		When("the prop is not registered as incrementable", func() {
			It("should refuse with ErrInvalidOperation", func() {
				// ARRANGE
				thing, err := stubs.NewLinkStub().Create(ctx, env.store)
				Expect(err).NotTo(HaveOccurred())

				// ACT
				err = thing.Incr(ctx, "title", 1)

				// ASSERT
				Expect(err).To(MatchError(store.ErrInvalidOperation))
			})
		})
	})
})
