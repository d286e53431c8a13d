package store_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"thingstore/src/store"
)

var _ = Describe("FullName codec", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newTestEnv()
	})

	Context("encoding", func() {
		When("encoding a thing identity", func() {
			It("should produce prefix t, base36 type id, underscore, base36 id", func() {
				// ARRANGE

				// ACT
				name := store.FullName(env.account, 1)

				// ASSERT
				Expect(name).To(Equal("t1_1"))
			})
		})

		When("encoding a relation identity", func() {
			It("should use the r prefix and the relation type id space", func() {
				// ARRANGE

				// ACT
				name := store.FullName(env.voteLink, 42)

				// ASSERT
				Expect(name).To(Equal("r1_16"))
			})
		})

		When("encoding a large id", func() {
			It("should render it in base36", func() {
				// ARRANGE

				// ACT
				name := store.FullName(env.link, 36*36)

				// ASSERT
				Expect(name).To(Equal("t2_100"))
			})
		})
	})

	Context("decoding", func() {
		When("decoding a round-tripped name", func() {
			It("should recover the type id and id", func() {
				// ARRANGE
				name := store.FullName(env.comment, 98765)

				// ACT
				decoded, err := store.DecodeFullName(name, 1, 1<<31)

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				Expect(decoded.Rel).To(BeFalse())
				Expect(decoded.TypeID).To(Equal(env.comment.TypeID))
				Expect(decoded.ID).To(Equal(int64(98765)))
			})
		})

		When("decoding a relation name", func() {
			It("should set the Rel flag", func() {
				// ARRANGE
				name := store.FullName(env.friend, 7)

				// ACT
				decoded, err := store.DecodeFullName(name, 1, 1<<31)

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				Expect(decoded.Rel).To(BeTrue())
				Expect(decoded.TypeID).To(Equal(env.friend.TypeID))
				Expect(decoded.ID).To(Equal(int64(7)))
			})
		})

		When("decoding malformed names", func() {
			It("should return ErrInvalidIdentity for each", func() {
				// ARRANGE
				bad := []string{
					"",
					"t1",
					"x1_1",
					"t_1",
					"t1_",
					"t1-1",
					"t!!_1",
					"t1_zz!!",
				}

				// ACT / ASSERT
				for _, name := range bad {
					_, err := store.DecodeFullName(name, 1, 1<<31)
					Expect(err).To(MatchError(store.ErrInvalidIdentity), "name %q", name)
				}
			})
		})

		When("decoding an id outside the valid range", func() {
			It("should reject ids below the minimum", func() {
				// ARRANGE
				name := store.FullName(env.account, 0)

				// ACT
				_, err := store.DecodeFullName(name, 1, 1<<31)

				// ASSERT
				Expect(err).To(MatchError(store.ErrInvalidIdentity))
			})

			It("should reject ids above the maximum", func() {
				// ARRANGE
				name := store.FullName(env.account, 101)

				// ACT
				_, err := store.DecodeFullName(name, 1, 100)

				// ASSERT
				Expect(err).To(MatchError(store.ErrInvalidIdentity))
			})
		})
	})
})
