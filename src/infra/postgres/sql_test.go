package postgres

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"thingstore/src/store"
)

var _ = Describe("SQL rendering", func() {
	newQuery := func() *sqlQuery {
		return &sqlQuery{
			table:     "thing_link",
			dataTable: "data_link",
			idCol:     "thing_id",
			baseCols:  thingColumns,
			joins:     map[string]string{},
		}
	}

	Context("order-by terms", func() {
		When("sorting on a base column", func() {
			It("should address the base table directly", func() {
				q := newQuery()

				Expect(q.sortExpr("date")).To(Equal("t.date"))
				Expect(q.joins).To(BeEmpty())
			})
		})

		When("sorting on a dynamic prop", func() {
			It("should order by the raw jsonb value, not its text form", func() {
				// jsonb comparison ranks numbers numerically; the text
				// extraction would put "10" before "9"
				q := newQuery()

				expr := q.sortExpr("score")

				Expect(expr).To(Equal("d0.value"))
				Expect(expr).NotTo(ContainSubstring("#>>"))
				Expect(q.joins).To(HaveKeyWithValue("score", "d0"))
			})
		})

		When("a predicate already joined the prop", func() {
			It("should reuse that join's alias", func() {
				q := newQuery()
				_ = q.ruleSQL(store.Rule{Col: "score", Op: store.OpGt, Val: int64(3)})

				Expect(q.sortExpr("score")).To(Equal("d0.value"))
				Expect(q.joins).To(HaveLen(1))
			})
		})
	})

	Context("predicate terms", func() {
		When("comparing a dynamic prop to a number", func() {
			It("should cast the extracted text to numeric", func() {
				q := newQuery()

				clause := q.ruleSQL(store.Rule{Col: "score", Op: store.OpGt, Val: int64(3)})

				Expect(clause).To(Equal("((d0.value #>> '{}')::numeric) > $1"))
				Expect(q.args).To(Equal([]any{int64(3)}))
			})
		})
	})
})
