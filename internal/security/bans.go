package security

import "sync"

// banEntry is one IP's active ban, per spec §4.4 IP admission.
type banEntry struct {
	until  int64 // unix nanos
	reason string
}

// banTable is the IP ban table plus the per-IP connection-rate window.
type banTable struct {
	mu   sync.Mutex
	bans map[string]banEntry

	// connWindows[ip] is an ordered slice of recent connection timestamps,
	// trimmed to the last 60s on every access, per spec §4.4.
	connWindows map[string][]int64
}

func newBanTable() *banTable {
	return &banTable{
		bans:        make(map[string]banEntry),
		connWindows: make(map[string][]int64),
	}
}

// IsIPBanned consults the ban table, expiring the entry if it is stale.
func (t *banTable) IsIPBanned(ip string, now int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.bans[ip]
	if !ok {
		return false
	}
	if now >= e.until {
		delete(t.bans, ip)
		return false
	}
	return true
}

// BanIP bans ip until now+duration, recording reason.
func (t *banTable) BanIP(ip string, now, durationNanos int64, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bans[ip] = banEntry{until: now + durationNanos, reason: reason}
}

// UnbanIP removes any ban on ip.
func (t *banTable) UnbanIP(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.bans, ip)
}

// TrackIPConnection drops timestamps older than 60s from ip's window,
// rejects if the window is already at maxPerWindow, else appends and
// admits.
func (t *banTable) TrackIPConnection(ip string, now int64, windowNanos int64, maxPerWindow int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := t.connWindows[ip]
	cutoff := now - windowNanos
	kept := window[:0]
	for _, ts := range window {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= maxPerWindow {
		t.connWindows[ip] = kept
		return false
	}

	kept = append(kept, now)
	t.connWindows[ip] = kept
	return true
}

// sweep drops IP connection windows whose newest timestamp is
// older than the given inactivity threshold, and expired bans.
func (t *banTable) sweep(now, windowInactivityNanos int64) (windowsDropped, bansDropped int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ip, window := range t.connWindows {
		if len(window) == 0 {
			delete(t.connWindows, ip)
			windowsDropped++
			continue
		}
		newest := window[len(window)-1]
		if now-newest > windowInactivityNanos {
			delete(t.connWindows, ip)
			windowsDropped++
		}
	}

	for ip, e := range t.bans {
		if now >= e.until {
			delete(t.bans, ip)
			bansDropped++
		}
	}
	return windowsDropped, bansDropped
}

// BannedIPs returns a snapshot of currently active bans, for admin tooling.
func (t *banTable) BannedIPs(now int64) map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.bans))
	for ip, e := range t.bans {
		if now < e.until {
			out[ip] = e.reason
		}
	}
	return out
}
