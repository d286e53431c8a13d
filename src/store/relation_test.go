package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"thingstore/src/store"
	"thingstore/src/test_artefacts/stubs"
)

var _ = Describe("Relations", func() {
	var (
		env     *testEnv
		ctx     context.Context
		account *store.Thing
		link    *store.Thing
	)

	BeforeEach(func() {
		env = newTestEnv()
		ctx = context.Background()

		var err error
		account, err = stubs.NewAccountStub().Create(ctx, env.store)
		Expect(err).NotTo(HaveOccurred())
		link, err = stubs.NewLinkStub().WithProp("title", "a link").Create(ctx, env.store)
		Expect(err).NotTo(HaveOccurred())
	})

	Context("construction", func() {
		When("the endpoints match the registered kinds", func() {
			It("should build and commit the relation", func() {
				// ARRANGE
				rel, err := env.store.NewRel("vote_account_link", account, link, "1")
				Expect(err).NotTo(HaveOccurred())

				// ACT
				err = rel.Commit(ctx)

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				Expect(rel.ID).To(BeNumerically(">", 0))
				Expect(rel.Thing1ID).To(Equal(account.ID))
				Expect(rel.Thing2ID).To(Equal(link.ID))
			})
		})

		When("the endpoints are swapped", func() {
			It("should refuse the mismatched kinds", func() {
				// ACT
				_, err := env.store.NewRel("vote_account_link", link, account, "1")

				// ASSERT
				Expect(err).To(HaveOccurred())
			})
		})

		When("an endpoint was never committed", func() {
			It("should refuse with ErrInvalidOperation", func() {
				// ARRANGE
				unsaved, err := env.store.NewThing("account")
				Expect(err).NotTo(HaveOccurred())

				// ACT
				_, err = env.store.NewRel("vote_account_link", unsaved, link, "1")

				// ASSERT
				Expect(err).To(MatchError(store.ErrInvalidOperation))
			})
		})

		When("a denormalized mirror field is configured", func() {
			It("should copy the source prop onto the endpoint and commit it", func() {
				// ARRANGE
				rel, err := env.store.NewRel("vote_account_link", account, link, "1")
				Expect(err).NotTo(HaveOccurred())

				// mirror is staged on the endpoint before any commit
				staged, _ := account.Prop("last_voted_title")
				Expect(staged).To(Equal("a link"))

				// ACT
				Expect(rel.Commit(ctx)).To(Succeed())

				// ASSERT
				env.cache.Flush()
				loaded, err := env.store.ByID(ctx, "account", []int64{account.ID}, store.LoadOpts{Data: true})
				Expect(err).NotTo(HaveOccurred())
				mirror, _ := loaded[account.ID].Prop("last_voted_title")
				Expect(mirror).To(Equal("a link"))
			})
		})
	})

	Context("uniqueness", func() {
		When("the same natural key is created twice", func() {
			It("should fail the second create with ErrCreation", func() {
				// ARRANGE
				first, err := env.store.NewRel("vote_account_link", account, link, "1")
				Expect(err).NotTo(HaveOccurred())
				Expect(first.Commit(ctx)).To(Succeed())

				// ACT
				second, err := env.store.NewRel("vote_account_link", account, link, "1")
				Expect(err).NotTo(HaveOccurred())
				err = second.Commit(ctx)

				// ASSERT
				Expect(err).To(MatchError(store.ErrCreation))
			})
		})

		When("the same endpoints relate under a different name", func() {
			It("should create both relations", func() {
				// ARRANGE
				up, err := env.store.NewRel("vote_account_link", account, link, "1")
				Expect(err).NotTo(HaveOccurred())
				Expect(up.Commit(ctx)).To(Succeed())

				// ACT
				down, err := env.store.NewRel("vote_account_link", account, link, "-1")
				Expect(err).NotTo(HaveOccurred())
				err = down.Commit(ctx)

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				Expect(down.ID).NotTo(Equal(up.ID))
			})
		})
	})

	Context("deletion", func() {
		When("deleting a committed relation", func() {
			It("should remove the row, tombstone the fast key, and rename in memory", func() {
				// ARRANGE
				rel, err := stubs.NewRelStub("vote_account_link").WithName("1").Create(ctx, env.store, account, link)
				Expect(err).NotTo(HaveOccurred())

				// ACT
				err = rel.Delete(ctx)

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				Expect(rel.Name).To(Equal("un1"))

				// the fast-query cache now reports the pair as known-absent
				result, err := env.store.FastQuery(ctx, "vote_account_link",
					[]*store.Thing{account}, []*store.Thing{link}, []string{"1"}, store.FastQueryOpts{})
				Expect(err).NotTo(HaveOccurred())
				key := store.RelKey{Thing1ID: account.ID, Thing2ID: link.ID, Name: "1"}
				Expect(result[key]).To(BeNil())
				// served from the tombstone, no backing-store query
				Expect(env.backend.Calls["FindRels"]).To(BeZero())
			})
		})

		When("deleting an unsaved relation", func() {
			It("should refuse with ErrInvalidOperation", func() {
				// ARRANGE
				rel, err := env.store.NewRel("vote_account_link", account, link, "1")
				Expect(err).NotTo(HaveOccurred())

				// ACT
				err = rel.Delete(ctx)

				// ASSERT
				Expect(err).To(MatchError(store.ErrInvalidOperation))
			})
		})
	})

	Context("fast natural-key lookup", func() {
		When("the relation was committed in this process", func() {
			It("should resolve from the fast cache without a backing-store find", func() {
				// ARRANGE
				rel, err := stubs.NewRelStub("vote_account_link").WithName("1").Create(ctx, env.store, account, link)
				Expect(err).NotTo(HaveOccurred())

				// ACT
				result, err := env.store.FastQuery(ctx, "vote_account_link",
					[]*store.Thing{account}, []*store.Thing{link}, []string{"1", "-1"}, store.FastQueryOpts{})

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				hit := result[store.RelKey{Thing1ID: account.ID, Thing2ID: link.ID, Name: "1"}]
				Expect(hit).NotTo(BeNil())
				Expect(hit.ID).To(Equal(rel.ID))
				// the "-1" combination does not exist
				miss := result[store.RelKey{Thing1ID: account.ID, Thing2ID: link.ID, Name: "-1"}]
				Expect(miss).To(BeNil())
			})
		})

		When("the fast cache is cold", func() {
			It("should resolve misses with one union query and tombstone the absent keys", func() {
				// ARRANGE
				rel, err := stubs.NewRelStub("vote_account_link").WithName("1").Create(ctx, env.store, account, link)
				Expect(err).NotTo(HaveOccurred())
				env.cache.Flush()

				// ACT
				result, err := env.store.FastQuery(ctx, "vote_account_link",
					[]*store.Thing{account}, []*store.Thing{link}, []string{"1", "-1"}, store.FastQueryOpts{})

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				hit := result[store.RelKey{Thing1ID: account.ID, Thing2ID: link.ID, Name: "1"}]
				Expect(hit).NotTo(BeNil())
				Expect(hit.ID).To(Equal(rel.ID))
				Expect(env.backend.Calls["FindRels"]).To(Equal(1))

				// a repeat is served entirely from cache
				_, err = env.store.FastQuery(ctx, "vote_account_link",
					[]*store.Thing{account}, []*store.Thing{link}, []string{"1", "-1"}, store.FastQueryOpts{})
				Expect(err).NotTo(HaveOccurred())
				Expect(env.backend.Calls["FindRels"]).To(Equal(1))
			})
		})

		When("eager endpoint loading is requested", func() {
			It("should attach both endpoint things", func() {
				// ARRANGE
				_, err := stubs.NewRelStub("vote_account_link").WithName("1").Create(ctx, env.store, account, link)
				Expect(err).NotTo(HaveOccurred())
				env.cache.Flush()

				// ACT
				result, err := env.store.FastQuery(ctx, "vote_account_link",
					[]*store.Thing{account}, []*store.Thing{link}, []string{"1"},
					store.FastQueryOpts{EagerLoadEndpoints: true})

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				hit := result[store.RelKey{Thing1ID: account.ID, Thing2ID: link.ID, Name: "1"}]
				Expect(hit).NotTo(BeNil())
				Expect(hit.Thing1()).NotTo(BeNil())
				Expect(hit.Thing1().ID).To(Equal(account.ID))
				Expect(hit.Thing2()).NotTo(BeNil())
				Expect(hit.Thing2().ID).To(Equal(link.ID))
			})
		})
	})
})
