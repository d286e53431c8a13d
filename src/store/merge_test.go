package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"thingstore/src/store"
	"thingstore/src/test_artefacts/stubs"
)

var _ = Describe("MergeCursor", func() {
	var (
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		env = newTestEnv()
		ctx = context.Background()
	})

	seed := func(ups ...int64) []*store.Thing {
		things := make([]*store.Thing, len(ups))
		for i, u := range ups {
			thing, err := stubs.NewLinkStub().WithUps(u).Create(ctx, env.store)
			Expect(err).NotTo(HaveOccurred())
			things[i] = thing
		}
		return things
	}

	drain := func(m *store.MergeCursor) []int64 {
		var out []int64
		for {
			item, err := m.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			if item == nil {
				break
			}
			out = append(out, item.(*store.Thing).Ups)
		}
		return out
	}

	cursorFor := func(rules ...store.Rule) store.Cursor {
		q, err := env.store.Things("link", rules...)
		Expect(err).NotTo(HaveOccurred())
		return q.Sort(store.Sort{Col: "ups", Desc: false}).Cursor()
	}

	When("merging cursors over disjoint partitions", func() {
		It("should interleave them into one ascending stream", func() {
			// ARRANGE: split the rows by an ups threshold
			seed(1, 8, 3, 6, 5, 4)
			low := cursorFor(store.Rule{Col: "ups", Op: store.OpLt, Val: int64(5)})
			high := cursorFor(store.Rule{Col: "ups", Op: store.OpGte, Val: int64(5)})

			sorts := []store.Sort{{Col: "ups", Desc: false}, {Col: "date", Desc: true}}
			merged := store.NewMergeCursor([]store.Cursor{low, high}, sorts)

			// ACT
			out := drain(merged)

			// ASSERT
			Expect(out).To(Equal([]int64{1, 3, 4, 5, 6, 8}))
		})
	})

	When("the shared sort is descending", func() {
		It("should yield the maximum across cursors first", func() {
			// ARRANGE
			seed(2, 9, 4, 7)
			cursorDesc := func(rules ...store.Rule) store.Cursor {
				q, err := env.store.Things("link", rules...)
				Expect(err).NotTo(HaveOccurred())
				return q.Sort(store.Sort{Col: "ups", Desc: true}).Cursor()
			}
			low := cursorDesc(store.Rule{Col: "ups", Op: store.OpLt, Val: int64(5)})
			high := cursorDesc(store.Rule{Col: "ups", Op: store.OpGte, Val: int64(5)})

			sorts := []store.Sort{{Col: "ups", Desc: true}, {Col: "date", Desc: true}}
			merged := store.NewMergeCursor([]store.Cursor{low, high}, sorts)

			// ACT
			out := drain(merged)

			// ASSERT
			Expect(out).To(Equal([]int64{9, 7, 4, 2}))
		})
	})

	When("the primary column ties", func() {
		It("should break the tie on the next sort column", func() {
			// ARRANGE: equal ups, distinct creation times; date desc prefers
			// the newer row
			first := seed(5)[0]
			second := seed(5)[0]

			mkCursor := func(id int64) store.Cursor {
				q, err := env.store.Things("link",
					store.Rule{Col: "id", Op: store.OpEq, Val: id})
				Expect(err).NotTo(HaveOccurred())
				return q.Sort(store.Sort{Col: "ups", Desc: false}).Cursor()
			}
			sorts := []store.Sort{{Col: "ups", Desc: false}, {Col: "date", Desc: true}}
			merged := store.NewMergeCursor(
				[]store.Cursor{mkCursor(first.ID), mkCursor(second.ID)}, sorts)

			// ACT
			one, err := merged.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			two, err := merged.Next(ctx)
			Expect(err).NotTo(HaveOccurred())

			// ASSERT
			Expect(one.(*store.Thing).ID).To(Equal(second.ID))
			Expect(two.(*store.Thing).ID).To(Equal(first.ID))
		})
	})

	When("a tie competes with a third cursor that differs", func() {
		It("should break the tie on the later column before yielding", func() {
			// ARRANGE: two heads tied on ups, a third head above them; the
			// tied pair must settle on date desc before the third is ranked
			first := seed(5)[0]
			second := seed(5)[0]
			third := seed(7)[0]

			mkCursor := func(id int64) store.Cursor {
				q, err := env.store.Things("link",
					store.Rule{Col: "id", Op: store.OpEq, Val: id})
				Expect(err).NotTo(HaveOccurred())
				return q.Sort(store.Sort{Col: "ups", Desc: false}).Cursor()
			}
			sorts := []store.Sort{{Col: "ups", Desc: false}, {Col: "date", Desc: true}}
			merged := store.NewMergeCursor(
				[]store.Cursor{mkCursor(first.ID), mkCursor(second.ID), mkCursor(third.ID)}, sorts)

			// ACT
			var ids []int64
			for {
				item, err := merged.Next(ctx)
				Expect(err).NotTo(HaveOccurred())
				if item == nil {
					break
				}
				ids = append(ids, item.(*store.Thing).ID)
			}

			// ASSERT
			Expect(ids).To(Equal([]int64{second.ID, first.ID, third.ID}))
		})
	})

	When("a cursor holds a dangling reference", func() {
		It("should skip past it instead of stopping", func() {
			// ARRANGE: cache the fullname list, then delete the middle row
			things := seed(1, 2, 3)
			q, err := env.store.Things("link")
			Expect(err).NotTo(HaveOccurred())
			q.Sort(store.Sort{Col: "ups", Desc: false}).Cached(true, true)
			_, err = q.Run(ctx)
			Expect(err).NotTo(HaveOccurred())

			gone := things[1]
			env.backend.RemoveThing(env.link.TypeID, gone.ID)
			Expect(env.cache.Delete(ctx, "link_"+itoa(gone.ID))).To(Succeed())

			sorts := []store.Sort{{Col: "ups", Desc: false}, {Col: "date", Desc: true}}
			merged := store.NewMergeCursor([]store.Cursor{q.Cursor()}, sorts)

			// ACT
			out := drain(merged)

			// ASSERT
			Expect(out).To(Equal([]int64{1, 3}))
		})
	})

	When("every cursor is drained", func() {
		It("should keep returning nil without error", func() {
			// ARRANGE
			seed(1)
			merged := store.NewMergeCursor(
				[]store.Cursor{cursorFor()},
				[]store.Sort{{Col: "ups", Desc: false}})

			// ACT
			first, err := merged.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(first).NotTo(BeNil())
			end1, err := merged.Next(ctx)
			Expect(err).NotTo(HaveOccurred())
			end2, err := merged.Next(ctx)

			// ASSERT
			Expect(err).NotTo(HaveOccurred())
			Expect(end1).To(BeNil())
			Expect(end2).To(BeNil())
		})
	})

	When("constructed with no cursors", func() {
		It("should be immediately exhausted", func() {
			// ACT
			merged := store.NewMergeCursor(nil, []store.Sort{{Col: "ups"}})
			item, err := merged.Next(ctx)

			// ASSERT
			Expect(err).NotTo(HaveOccurred())
			Expect(item).To(BeNil())
		})
	})
})
