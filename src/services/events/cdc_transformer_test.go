package events_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"thingstore/src/domain"
	"thingstore/src/infra/debezium"
	"thingstore/src/services/events"
	"thingstore/src/store"
	"thingstore/src/test_artefacts/comparer"
)

var _ = Describe("CDCTransformer", func() {
	var (
		ctx         context.Context
		catalog     *domain.Catalog
		transformer *events.CDCTransformer
		err         error
	)

	tsMs := int64(1756728000000) // 2025-09-01T12:00:00Z

	BeforeEach(func() {
		ctx = context.Background()

		catalog, err = domain.NewCatalog()
		Expect(err).NotTo(HaveOccurred())

		logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
		transformer = events.NewCDCTransformer(logger, catalog)
	})

	changeEvent := func(table, op string, before, after map[string]interface{}) *debezium.CDCEvent {
		return &debezium.CDCEvent{
			Before:    before,
			After:     after,
			Operation: op,
			TsMs:      tsMs,
			Source: debezium.CDCSource{
				Connector: "postgresql",
				Table:     table,
				LSN:       24023128,
			},
		}
	}

	Context("base table changes", func() {
		When("an update touches a counter column", func() {
			It("stales the record slot and the moved counter slot", func() {
				// ARRANGE
				cdcEvent := changeEvent("thing_link", "u",
					map[string]interface{}{"id": float64(42), "ups": float64(3), "downs": float64(1), "deleted": false},
					map[string]interface{}{"id": float64(42), "ups": float64(4), "downs": float64(1), "deleted": false},
				)

				// ACT
				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				// ASSERT
				Expect(err).NotTo(HaveOccurred())
				expected := &events.InvalidationEvent{
					FullName:   store.FullName(catalog.Link, 42),
					Kind:       "link",
					Operation:  "UPDATE",
					CacheKeys:  []string{store.ItemCacheKey("link", 42), store.CounterCacheKey("link", "ups", 42)},
					OccurredAt: time.UnixMilli(tsMs).UTC(),
				}
				Expect(invalidation).To(BeComparableTo(expected,
					comparer.TimeWithinTolerance(200*time.Millisecond),
					comparer.IgnoreFieldsFor[events.InvalidationEvent]("IdempotencyKey", "ChangedColumns"),
				))
				Expect(invalidation.ChangedColumns).To(ConsistOf("ups"))
			})

			It("derives the same idempotency key for a replayed event", func() {
				cdcEvent := changeEvent("thing_link", "u",
					map[string]interface{}{"id": float64(42), "ups": float64(3)},
					map[string]interface{}{"id": float64(42), "ups": float64(4)},
				)

				first, err := transformer.TransformCDCEvent(ctx, cdcEvent)
				Expect(err).NotTo(HaveOccurred())
				replay, err := transformer.TransformCDCEvent(ctx, cdcEvent)
				Expect(err).NotTo(HaveOccurred())

				Expect(replay.IdempotencyKey).To(Equal(first.IdempotencyKey))
				Expect(first.IdempotencyKey).NotTo(BeEmpty())
			})
		})

		When("a row is deleted", func() {
			It("stales both counter slots alongside the record", func() {
				cdcEvent := changeEvent("thing_account", "d",
					map[string]interface{}{"id": float64(7), "ups": float64(0), "downs": float64(0)},
					nil,
				)

				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).NotTo(HaveOccurred())
				Expect(invalidation.Operation).To(Equal("DELETE"))
				Expect(invalidation.CacheKeys).To(ConsistOf(
					store.ItemCacheKey("account", 7),
					store.CounterCacheKey("account", "ups", 7),
					store.CounterCacheKey("account", "downs", 7),
				))
			})
		})

		When("a snapshot read arrives without a before image", func() {
			It("reports every column as changed", func() {
				cdcEvent := changeEvent("thing_link", "r",
					nil,
					map[string]interface{}{"id": float64(9), "ups": float64(1), "spam": false},
				)

				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).NotTo(HaveOccurred())
				Expect(invalidation.Operation).To(Equal("INSERT"))
				Expect(invalidation.ChangedColumns).To(ConsistOf("id", "ups", "spam"))
			})
		})
	})

	Context("dynamic property table changes", func() {
		When("an incrementable prop row changes", func() {
			It("stales the counter slot of the owning row", func() {
				cdcEvent := changeEvent("data_link", "u",
					map[string]interface{}{"thing_id": float64(42), "key": "num_comments", "value": "3"},
					map[string]interface{}{"thing_id": float64(42), "key": "num_comments", "value": "4"},
				)

				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).NotTo(HaveOccurred())
				Expect(invalidation.FullName).To(Equal(store.FullName(catalog.Link, 42)))
				Expect(invalidation.CacheKeys).To(ConsistOf(
					store.ItemCacheKey("link", 42),
					store.CounterCacheKey("link", "num_comments", 42),
				))
				Expect(invalidation.ChangedColumns).To(ConsistOf("num_comments"))
			})
		})

		When("a relation prop row changes", func() {
			It("resolves the owning relation by its rel id", func() {
				cdcEvent := changeEvent("reldata_friend", "u",
					map[string]interface{}{"rel_id": float64(7), "key": "note", "value": `"old"`},
					map[string]interface{}{"rel_id": float64(7), "key": "note", "value": `"new"`},
				)

				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).NotTo(HaveOccurred())
				Expect(invalidation.FullName).To(Equal(store.FullName(catalog.Friend, 7)))
				Expect(invalidation.Kind).To(Equal("friend"))
				Expect(invalidation.CacheKeys).To(ConsistOf(store.ItemCacheKey("friend", 7)))
				Expect(invalidation.ChangedColumns).To(ConsistOf("note"))
			})
		})

		When("a plain prop row changes", func() {
			It("stales only the record slot", func() {
				cdcEvent := changeEvent("data_comment", "c",
					nil,
					map[string]interface{}{"thing_id": float64(5), "key": "body", "value": `"hi"`},
				)

				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).NotTo(HaveOccurred())
				Expect(invalidation.CacheKeys).To(ConsistOf(store.ItemCacheKey("comment", 5)))
			})
		})
	})

	Context("relation table changes", func() {
		When("an update renames the relation", func() {
			It("stales the fast-query slot under both the old and new name", func() {
				cdcEvent := changeEvent("rel_vote_account_link", "u",
					map[string]interface{}{"id": float64(11), "thing1_id": float64(1), "thing2_id": float64(42), "name": "1"},
					map[string]interface{}{"id": float64(11), "thing1_id": float64(1), "thing2_id": float64(42), "name": "-1"},
				)

				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).NotTo(HaveOccurred())
				Expect(invalidation.CacheKeys).To(ConsistOf(
					store.ItemCacheKey("vote_account_link", 11),
					store.FastRelCacheKey("vote_account_link", 1, 42, "1"),
					store.FastRelCacheKey("vote_account_link", 1, 42, "-1"),
				))
			})
		})

		When("the natural key is unchanged", func() {
			It("emits the fast-query slot once", func() {
				row := map[string]interface{}{"id": float64(11), "thing1_id": float64(1), "thing2_id": float64(42), "name": "1", "date": "2026-01-01"}
				cdcEvent := changeEvent("rel_vote_account_link", "u", row,
					map[string]interface{}{"id": float64(11), "thing1_id": float64(1), "thing2_id": float64(42), "name": "1", "date": "2026-02-01"},
				)

				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).NotTo(HaveOccurred())
				Expect(invalidation.CacheKeys).To(HaveLen(2))
			})
		})
	})

	Context("envelope edge cases", func() {
		When("the table belongs to no registered kind", func() {
			It("skips the event without error", func() {
				cdcEvent := changeEvent("audit_log", "c", nil, map[string]interface{}{"id": float64(1)})

				invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).NotTo(HaveOccurred())
				Expect(invalidation).To(BeNil())
			})
		})

		When("the id column is missing from both images", func() {
			It("returns an error", func() {
				cdcEvent := changeEvent("thing_link", "u",
					map[string]interface{}{"ups": float64(1)},
					map[string]interface{}{"ups": float64(2)},
				)

				_, err := transformer.TransformCDCEvent(ctx, cdcEvent)

				Expect(err).To(MatchError(ContainSubstring("missing")))
			})
		})
	})

	Context("wire form", func() {
		It("marshals the shape the invalidation consumer expects", func() {
			cdcEvent := changeEvent("thing_link", "d",
				map[string]interface{}{"id": float64(42)},
				nil,
			)

			invalidation, err := transformer.TransformCDCEvent(ctx, cdcEvent)
			Expect(err).NotTo(HaveOccurred())
			payload, err := json.Marshal(invalidation)
			Expect(err).NotTo(HaveOccurred())

			expected := []byte(`{
				"idempotency_key": "` + invalidation.IdempotencyKey + `",
				"kind": "link",
				"fullname": "` + store.FullName(catalog.Link, 42) + `",
				"operation": "DELETE",
				"cache_keys": ` + mustMarshal(invalidation.CacheKeys) + `,
				"changed_columns": ["id"],
				"occurred_at": "2025-09-01T12:00:00Z"
			}`)
			Expect(json.RawMessage(payload)).To(BeComparableTo(json.RawMessage(expected), comparer.JSONRawMessage()))
		})
	})
})

func mustMarshal(v interface{}) string {
	b, err := json.Marshal(v)
	Expect(err).NotTo(HaveOccurred())
	return string(b)
}
