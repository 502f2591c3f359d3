package dedup_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/illmade-knight/go-telemetry-ingest/pkg/dedup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_TierMembership(t *testing.T) {
	r := dedup.NewRegistry(10)
	const fp = "meter/telemetry|1|42|128"

	assert.False(t, r.Has(fp))

	r.MarkReceived(fp)
	assert.True(t, r.Has(fp))

	require.True(t, r.TryMarkProcessing(fp))
	r.DropReceived(fp)
	assert.True(t, r.Has(fp), "processing tier should keep the fingerprint visible")

	r.MarkProcessed(fp)
	r.DropProcessing(fp)
	assert.True(t, r.Has(fp), "processed tier should keep the fingerprint visible")
	assert.True(t, r.WasProcessed(fp))
}

func TestRegistry_TryMarkProcessing_IsExclusive(t *testing.T) {
	r := dedup.NewRegistry(10)
	const fp = "meter/telemetry|1|7|64"

	require.True(t, r.TryMarkProcessing(fp))
	assert.False(t, r.TryMarkProcessing(fp), "second claim must be rejected")

	r.DropProcessing(fp)
	assert.True(t, r.TryMarkProcessing(fp), "claim should be available again after release")
}

func TestRegistry_Seed(t *testing.T) {
	r := dedup.NewRegistry(10)

	r.Seed([]string{"a|1|1|10", "b|1|2|20", ""})

	assert.True(t, r.Has("a|1|1|10"))
	assert.True(t, r.Has("b|1|2|20"))
	assert.False(t, r.Has(""))
}

func TestRegistry_ProcessedTierEviction(t *testing.T) {
	const capacity = 5
	r := dedup.NewRegistry(capacity)

	for i := 0; i < capacity+1; i++ {
		r.MarkProcessed(fmt.Sprintf("fp-%d", i))
	}

	assert.False(t, r.WasProcessed("fp-0"), "oldest fingerprint should have been evicted")
	for i := 1; i <= capacity; i++ {
		assert.True(t, r.WasProcessed(fmt.Sprintf("fp-%d", i)))
	}
}

func TestRegistry_ProcessedTierDuplicateEntries(t *testing.T) {
	r := dedup.NewRegistry(3)

	// The same fingerprint pushed twice occupies two slots; evicting one copy
	// must not hide the other.
	r.MarkProcessed("dup")
	r.MarkProcessed("dup")
	r.MarkProcessed("x")
	r.MarkProcessed("y") // evicts the first "dup"

	assert.True(t, r.WasProcessed("dup"))

	r.MarkProcessed("z") // evicts the second "dup"
	assert.False(t, r.WasProcessed("dup"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := dedup.NewRegistry(100)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				fp := fmt.Sprintf("fp-%d-%d", worker, j)
				r.MarkReceived(fp)
				if r.TryMarkProcessing(fp) {
					r.MarkProcessed(fp)
					r.DropProcessing(fp)
				}
				r.DropReceived(fp)
				_ = r.Has(fp)
			}
		}(i)
	}
	wg.Wait()
}
