package custody

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

func buildChain(t *testing.T, ledger *MemoryLedger, scope Scope, n int) []Event {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := ledger.Append(ctx, Event{
			FamilyID:   scope.FamilyID,
			IncidentID: scope.IncidentID,
			DeviceID:   "dev-1",
			Actor:      "system",
			EventKey:   KeyCommandEnqueued,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	chain, err := ledger.Chain(ctx, scope)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	return chain
}

func TestFreshChainVerifies(t *testing.T) {
	ledger := NewMemoryLedger()
	scope := Scope{FamilyID: "fam-1", IncidentID: "inc-1"}
	chain := buildChain(t, ledger, scope, 8)

	if chain[0].PrevHash != GenesisHash {
		t.Fatalf("first event must chain to genesis, got %q", chain[0].PrevHash)
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].PrevHash != chain[i-1].Hash {
			t.Fatalf("link broken at %d", i)
		}
	}
	if ok, bad := VerifyChain(chain); !ok {
		t.Fatalf("fresh chain must verify, first bad index %d", bad)
	}
}

func TestTamperBreaksEventAndSuccessors(t *testing.T) {
	ledger := NewMemoryLedger()
	scope := Scope{FamilyID: "fam-1", IncidentID: "inc-1"}
	chain := buildChain(t, ledger, scope, 6)

	chain[3].EventJSON = json.RawMessage(`{"n":99}`)
	ok, bad := VerifyChain(chain)
	if ok {
		t.Fatal("tampered chain must not verify")
	}
	if bad != 3 {
		t.Fatalf("expected first bad index 3, got %d", bad)
	}
	// The prefix before the tamper point is still intact.
	if ok, _ := VerifyChain(chain[:3]); !ok {
		t.Fatal("prefix before tamper point must verify")
	}
}

func TestRewrittenHashCannotHideTamper(t *testing.T) {
	ledger := NewMemoryLedger()
	scope := Scope{FamilyID: "fam-1"}
	chain := buildChain(t, ledger, scope, 4)

	// Attacker rewrites the event and recomputes its hash. The next
	// event's prev_hash no longer matches, so detection moves forward
	// one link instead of disappearing.
	chain[1].EventJSON = json.RawMessage(`{"n":99}`)
	h, err := ComputeHash(chain[1])
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	chain[1].Hash = h
	ok, bad := VerifyChain(chain)
	if ok {
		t.Fatal("recomputed hash must still break linkage")
	}
	if bad != 2 {
		t.Fatalf("expected break at successor index 2, got %d", bad)
	}
}

func TestHashCoversExactBodyTokens(t *testing.T) {
	// Go marshals small floats in exponent form. The hash covers the
	// exact tokens, so a storage layer that re-renders 1e-05 as
	// 0.00001 would turn a legitimate event into a verification
	// failure. Storage must keep the bytes verbatim.
	base := Event{
		FamilyID:   "fam-1",
		IncidentID: "inc-1",
		Actor:      "device",
		EventKey:   KeyCommandAcked,
		EventAtISO: "2026-03-14T10:00:00Z",
		PrevHash:   GenesisHash,
		EventJSON:  json.RawMessage(`{"result":{"v":1e-05}}`),
	}
	rerendered := base
	rerendered.EventJSON = json.RawMessage(`{"result":{"v":0.00001}}`)

	h1, err := ComputeHash(base)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := ComputeHash(rerendered)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Fatal("distinct number tokens must hash differently")
	}

	base.Hash = h1
	if ok, _ := VerifyChain([]Event{base}); !ok {
		t.Fatal("verbatim body must verify")
	}
	rerendered.Hash = h1
	if ok, bad := VerifyChain([]Event{rerendered}); ok || bad != 0 {
		t.Fatal("re-rendered body must fail verification")
	}
}

func TestScopesAreIndependentChains(t *testing.T) {
	ledger := NewMemoryLedger()
	a := Scope{FamilyID: "fam-1", IncidentID: "inc-a"}
	b := Scope{FamilyID: "fam-1", IncidentID: "inc-b"}
	chainA := buildChain(t, ledger, a, 3)
	chainB := buildChain(t, ledger, b, 3)
	if chainA[0].PrevHash != GenesisHash || chainB[0].PrevHash != GenesisHash {
		t.Fatal("each scope starts at genesis")
	}
	if ok, _ := VerifyChain(chainA); !ok {
		t.Fatal("scope A must verify")
	}
	if ok, _ := VerifyChain(chainB); !ok {
		t.Fatal("scope B must verify")
	}
}

func TestConcurrentAppendsNeverFork(t *testing.T) {
	ledger := NewMemoryLedger()
	scope := Scope{FamilyID: "fam-1", IncidentID: "inc-1"}
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = ledger.Append(ctx, Event{
				FamilyID:   scope.FamilyID,
				IncidentID: scope.IncidentID,
				Actor:      "system",
				EventKey:   KeyDeviceHeartbeat,
				EventJSON:  json.RawMessage(fmt.Sprintf(`{"g":%d}`, n)),
			})
		}(i)
	}
	wg.Wait()
	chain, _ := ledger.Chain(ctx, scope)
	if len(chain) != 20 {
		t.Fatalf("expected 20 events, got %d", len(chain))
	}
	if ok, bad := VerifyChain(chain); !ok {
		t.Fatalf("concurrent appends forked the chain at %d", bad)
	}
}

func TestAppendValidation(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()
	if _, err := ledger.Append(ctx, Event{EventKey: KeyIncidentCreated}); err == nil {
		t.Fatal("family_id is required")
	}
	if _, err := ledger.Append(ctx, Event{FamilyID: "fam-1"}); err == nil {
		t.Fatal("event_key is required")
	}
}
