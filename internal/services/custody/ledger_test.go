package custody

import (
	"errors"
	"testing"
	"time"

	"evidence-orchestrator/internal/domain/model"
	"evidence-orchestrator/internal/platform/id"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestLedger(retentionDays int) *Ledger {
	l := New(id.Default{}, retentionDays)
	c := &stepClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	l.SetClock(c.Now)
	return l
}

func collected(t *testing.T, l *Ledger, data []byte) *model.EvidenceItem {
	t.Helper()
	item := &model.EvidenceItem{ID: "evd_1", CaseID: "case_1"}
	if err := l.RecordCollection(item, data, []string{"sha256", "md5"}, "analyst", "collected from test"); err != nil {
		t.Fatalf("RecordCollection: %v", err)
	}
	return item
}

func TestHashEvidence_KnownVectors(t *testing.T) {
	l := newTestLedger(0)
	item := collected(t, l, []byte("abc"))

	sums, err := l.HashEvidence(item, []byte("abc"), []string{"sha256", "md5"}, "analyst")
	if err != nil {
		t.Fatalf("HashEvidence: %v", err)
	}
	if sums["sha256"] != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("sha256=%s", sums["sha256"])
	}
	if sums["md5"] != "900150983cd24fb0d6963f7d28e17f72" {
		t.Fatalf("md5=%s", sums["md5"])
	}
	if len(item.ChainOfCustody) != 2 || item.ChainOfCustody[1].Action != model.CustodyHashed {
		t.Fatalf("custody=%+v", item.ChainOfCustody)
	}
	e := item.ChainOfCustody[1]
	if e.PreviousHash != item.ChainOfCustody[0].NewHash || e.NewHash != sums["sha256"] {
		t.Fatalf("unexpected transition %+v", e)
	}
}

func TestHashEvidence_RejectsUnknownAlgorithm(t *testing.T) {
	l := newTestLedger(0)
	item := collected(t, l, []byte("abc"))
	if _, err := l.HashEvidence(item, []byte("abc"), []string{"crc32"}, "a"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(item.ChainOfCustody) != 1 {
		t.Fatalf("failed hash must not append custody")
	}
}

func TestVerifyEvidence_DetectsTamper(t *testing.T) {
	l := newTestLedger(0)
	item := collected(t, l, []byte("original payload"))
	before := len(item.ChainOfCustody)

	res, err := l.VerifyEvidence(item, []byte("original payload"))
	if err != nil || !res.Valid || res.Algorithm != "sha256" || !item.Verified {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	res, err = l.VerifyEvidence(item, []byte("tampered payload"))
	if err != nil {
		t.Fatalf("VerifyEvidence: %v", err)
	}
	if res.Valid || res.CurrentHash == res.OriginalHash || item.Verified {
		t.Fatalf("tamper not detected: %+v", res)
	}
	if len(item.ChainOfCustody) != before {
		t.Fatalf("verify must not append custody")
	}
	if item.Hashes["sha256"] != res.OriginalHash {
		t.Fatalf("verify must not change stored hashes")
	}
}

func TestAddCustodyEntry_Rules(t *testing.T) {
	l := newTestLedger(0)
	fresh := &model.EvidenceItem{ID: "evd_x"}
	if _, err := l.AddCustodyEntry(fresh, model.CustodyTransferred, "a", "", nil); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("first entry must be collected, got %v", err)
	}

	item := collected(t, l, []byte("data"))
	if _, err := l.AddCustodyEntry(item, model.CustodyCollected, "a", "", nil); err == nil {
		t.Fatalf("second collected entry must be refused")
	}
	if _, err := l.AddCustodyEntry(item, model.CustodyTransferred, "a", "moved", &HashTransition{Previous: "bogus", New: "x"}); !errors.Is(err, model.ErrHashChain) {
		t.Fatalf("expected ErrHashChain, got %v", err)
	}
	e, err := l.AddCustodyEntry(item, model.CustodyTransferred, "", "moved", &HashTransition{Previous: item.LatestHash(), New: "feedface"})
	if err != nil {
		t.Fatalf("AddCustodyEntry: %v", err)
	}
	if e.Actor != "system" || item.LatestHash() != "feedface" {
		t.Fatalf("entry=%+v latest=%s", e, item.LatestHash())
	}
}

func TestLegalHold_BlocksDeletionUntilReleased(t *testing.T) {
	l := newTestLedger(30)
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := l.CanDeleteEvidence("E1", old); !got.CanDelete || !got.RetentionExpired {
		t.Fatalf("before hold: %+v", got)
	}
	h, err := l.ApplyLegalHold("litigation-2026", "pending suit", []string{"E1", "E1", " "}, "counsel")
	if err != nil {
		t.Fatalf("ApplyLegalHold: %v", err)
	}
	if len(h.EvidenceIDs) != 1 {
		t.Fatalf("ids=%v", h.EvidenceIDs)
	}
	got := l.CanDeleteEvidence("E1", old)
	if got.CanDelete || got.Reason == "" || len(got.HoldIDs) != 1 {
		t.Fatalf("under hold: %+v", got)
	}
	if _, err := l.ReleaseLegalHold(h.ID, "counsel"); err != nil {
		t.Fatalf("ReleaseLegalHold: %v", err)
	}
	if got := l.CanDeleteEvidence("E1", old); !got.CanDelete {
		t.Fatalf("after release: %+v", got)
	}
	if _, err := l.ReleaseLegalHold(h.ID, "counsel"); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("double release: %v", err)
	}
	if _, err := l.ReleaseLegalHold("nope", "x"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("unknown hold: %v", err)
	}
	if len(l.ListHolds(true)) != 0 || len(l.ListHolds(false)) != 1 {
		t.Fatalf("holds listing mismatch")
	}
}

func TestLegalHold_OverlappingHolds(t *testing.T) {
	l := newTestLedger(0)
	h1, _ := l.ApplyLegalHold("h1", "", []string{"E1"}, "a")
	if _, err := l.ApplyLegalHold("h2", "", []string{"E1", "E2"}, "a"); err != nil {
		t.Fatalf("ApplyLegalHold: %v", err)
	}
	if _, err := l.ReleaseLegalHold(h1.ID, "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := l.CanDeleteEvidence("E1", time.Time{}); got.CanDelete {
		t.Fatalf("E1 still covered by h2: %+v", got)
	}
	if _, err := l.ApplyLegalHold("", "", []string{"E1"}, "a"); !errors.Is(err, model.ErrValidation) {
		t.Fatalf("empty name: %v", err)
	}
}

func TestProperty_CustodyAppendOnly(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("custody never shrinks, starts with collected, is time ordered", prop.ForAll(
		func(ops []int, payload []byte) bool {
			l := newTestLedger(0)
			item := &model.EvidenceItem{ID: "evd_p"}
			if err := l.RecordCollection(item, payload, nil, "a", ""); err != nil {
				return false
			}
			for _, op := range ops {
				prevChain := append([]model.ChainOfCustodyEntry(nil), item.ChainOfCustody...)
				switch op % 4 {
				case 0:
					_, _ = l.HashEvidence(item, payload, []string{"sha512"}, "a")
				case 1:
					_, _ = l.VerifyEvidence(item, append(payload, 0x1))
				case 2:
					_, _ = l.AddCustodyEntry(item, model.CustodyTransferred, "a", "", &HashTransition{Previous: "wrong", New: "x"})
				case 3:
					_, _ = l.AddCustodyEntry(item, model.CustodyVerified, "a", "", nil)
				}
				if len(item.ChainOfCustody) < len(prevChain) {
					return false
				}
				for i := range prevChain {
					if item.ChainOfCustody[i] != prevChain[i] {
						return false
					}
				}
			}
			if item.ChainOfCustody[0].Action != model.CustodyCollected {
				return false
			}
			for i := 1; i < len(item.ChainOfCustody); i++ {
				if item.ChainOfCustody[i].Timestamp.Before(item.ChainOfCustody[i-1].Timestamp) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_HashDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("re-hashing an unchanged payload reproduces the digest", prop.ForAll(
		func(payload []byte, alg string) bool {
			l := newTestLedger(0)
			item := &model.EvidenceItem{ID: "evd_d"}
			if err := l.RecordCollection(item, payload, []string{alg}, "a", ""); err != nil {
				return false
			}
			first := item.Hashes[alg]
			again, err := l.HashEvidence(item, payload, []string{alg}, "a")
			if err != nil {
				return false
			}
			res, err := l.VerifyEvidence(item, payload)
			return err == nil && again[alg] == first && res.Valid
		},
		gen.SliceOf(gen.UInt8()),
		gen.OneConstOf("md5", "sha1", "sha256", "sha512", "blake2b-256"),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestProperty_HoldImpliesNoDelete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("active hold coverage blocks deletion regardless of retention", prop.ForAll(
		func(retentionDays int, ageDays int) bool {
			l := newTestLedger(retentionDays)
			if _, err := l.ApplyLegalHold("h", "", []string{"E1"}, "a"); err != nil {
				return false
			}
			collectedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -ageDays)
			got := l.CanDeleteEvidence("E1", collectedAt)
			return !got.CanDelete && got.Reason != ""
		},
		gen.IntRange(0, 3650),
		gen.IntRange(0, 10000),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
