package security

import (
	"sync"

	"github.com/jellydator/ttlcache/v3"
)

// FingerprintRecord aggregates reputation for one client-supplied
// fingerprint across user-id churn, per spec §3/§4.4.
type FingerprintRecord struct {
	UserIDs   map[string]struct{}
	Reports   int
	Bans      int
	FirstSeen int64
}

// FingerprintCheck is the result of TrackFingerprint.
type FingerprintCheck struct {
	Suspicious bool
	Reason     string
}

// fingerprintTable is the bounded, process-lifetime fingerprint reputation
// store. Spec §9 leaves retention strategy implementation-defined, noting
// the source leaks these forever; this caps it with LRU eviction via
// ttlcache/v3's capacity option (no TTL set — eviction is purely
// capacity-driven, not time-driven), grounded on malbeclabs-doublezero's use
// of the same library for a bounded cache.
type fingerprintTable struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, *FingerprintRecord]
}

func newFingerprintTable(capacity uint64) *fingerprintTable {
	cache := ttlcache.New[string, *FingerprintRecord](
		ttlcache.WithCapacity[string, *FingerprintRecord](capacity),
	)
	go cache.Start()
	return &fingerprintTable{cache: cache}
}

// TrackFingerprint records userID against fp, creating the record on first
// sight, and reports suspicion once reports>=5 or bans>=3.
func (t *fingerprintTable) TrackFingerprint(fp, userID string, now int64) FingerprintCheck {
	t.mu.Lock()
	defer t.mu.Unlock()

	item := t.cache.Get(fp)
	var rec *FingerprintRecord
	if item == nil {
		rec = &FingerprintRecord{UserIDs: make(map[string]struct{}), FirstSeen: now}
		t.cache.Set(fp, rec, ttlcache.NoTTL)
	} else {
		rec = item.Value()
	}
	rec.UserIDs[userID] = struct{}{}

	if rec.Reports >= 5 || rec.Bans >= 3 {
		return FingerprintCheck{Suspicious: true, Reason: "Multiple violations"}
	}
	return FingerprintCheck{}
}

// RecordReport increments the report count on every fingerprint record
// whose userId set contains targetUserID, returning the max report count
// observed across matching records (used to decide the report-cascade ban
// in spec §4.5's report-user handler).
func (t *fingerprintTable) RecordReport(targetUserID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	maxReports := 0
	for _, key := range t.cache.Keys() {
		item := t.cache.Get(key)
		if item == nil {
			continue
		}
		rec := item.Value()
		if _, ok := rec.UserIDs[targetUserID]; !ok {
			continue
		}
		rec.Reports++
		if rec.Reports > maxReports {
			maxReports = rec.Reports
		}
	}
	return maxReports
}

// RecordBan increments the ban count on every fingerprint record whose
// userId set contains targetUserID.
func (t *fingerprintTable) RecordBan(targetUserID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range t.cache.Keys() {
		item := t.cache.Get(key)
		if item == nil {
			continue
		}
		rec := item.Value()
		if _, ok := rec.UserIDs[targetUserID]; ok {
			rec.Bans++
		}
	}
}

func (t *fingerprintTable) stop() {
	t.cache.Stop()
}
