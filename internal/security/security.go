// Package security implements the Security Manager: IP admission, per-user
// rate limiting, fingerprint reputation, content validation, abuse pattern
// detection, and the optional encryption/token helpers described in
// spec §4.4.
package security

import (
	"fmt"
	"time"

	"github.com/vibeconnect/rendezvous/internal/clock"
)

// Config configures every sub-surface of the Security Manager.
type Config struct {
	MaxConnectionsPerIP int
	ConnectionWindow    time.Duration
	BanDuration         time.Duration
	WindowInactivity    time.Duration // IP windows idle longer than this are swept

	RateLimitMessagesPerMinute int
	RateLimitSkipsPerMinute    int
	RateLimitReportsPerHour    int

	MaxMessageLength int

	FingerprintCapacity uint64

	EncryptionEnabled bool

	TokensEnabled bool
	JWTSecret     string
	TokenTTL      time.Duration
	RefreshTTL    time.Duration
}

// Manager composes every Security sub-surface behind one API, the shape the
// Router depends on.
type Manager struct {
	clock clock.Clock
	cfg   Config

	bans         *banTable
	rates        *rateLimiter
	fingerprints *fingerprintTable
	abuse        *abuseTable
	cipher       *cipherHelper
	tokens       *tokenMinter
}

func New(clk clock.Clock, cfg Config) (*Manager, error) {
	cipher, err := newCipherHelper(cfg.EncryptionEnabled)
	if err != nil {
		return nil, fmt.Errorf("construct encryption helper: %w", err)
	}

	return &Manager{
		clock: clk,
		cfg:   cfg,

		bans:         newBanTable(),
		rates:        newRateLimiter(cfg.RateLimitMessagesPerMinute, cfg.RateLimitSkipsPerMinute, cfg.RateLimitReportsPerHour),
		fingerprints: newFingerprintTable(cfg.FingerprintCapacity),
		abuse:        newAbuseTable(),
		cipher:       cipher,
		tokens:       newTokenMinter(cfg.TokensEnabled, cfg.JWTSecret, cfg.TokenTTL, cfg.RefreshTTL),
	}, nil
}

func (m *Manager) now() int64 { return m.clock.Now().UnixNano() }

// IsIPBanned reports whether ip currently has an active ban.
func (m *Manager) IsIPBanned(ip string) bool {
	return m.bans.IsIPBanned(ip, m.now())
}

// TrackIPConnection applies the per-IP connection-rate admission check.
func (m *Manager) TrackIPConnection(ip string) bool {
	return m.bans.TrackIPConnection(ip, m.now(), m.cfg.ConnectionWindow.Nanoseconds(), m.cfg.MaxConnectionsPerIP)
}

// BanIP bans ip for the configured ban duration.
func (m *Manager) BanIP(ip, reason string) {
	m.bans.BanIP(ip, m.now(), m.cfg.BanDuration.Nanoseconds(), reason)
}

// BanIPFor bans ip for an explicit duration, overriding the configured
// default — used for the spammer escalation (1h) vs. harasser escalation
// (24h) distinction in spec §7's error-handling table.
func (m *Manager) BanIPFor(ip string, duration time.Duration, reason string) {
	m.bans.BanIP(ip, m.now(), duration.Nanoseconds(), reason)
}

// UnbanIP removes any ban on ip.
func (m *Manager) UnbanIP(ip string) {
	m.bans.UnbanIP(ip)
}

// BannedIPs returns a snapshot of active bans, for admin tooling.
func (m *Manager) BannedIPs() map[string]string {
	return m.bans.BannedIPs(m.now())
}

// CheckRateLimit enforces the per-(userId,action) sliding window.
func (m *Manager) CheckRateLimit(userID string, action Action) bool {
	return m.rates.CheckRateLimit(userID, action, m.now())
}

// AllowGlobal reports whether the ambient global throughput safeguard has
// budget for one more frame.
func (m *Manager) AllowGlobal() bool {
	return m.rates.AllowGlobal()
}

// TrackFingerprint records userID against fp and reports suspicion per the
// reports>=5 or bans>=3 thresholds.
func (m *Manager) TrackFingerprint(fp, userID string) FingerprintCheck {
	return m.fingerprints.TrackFingerprint(fp, userID, m.now())
}

// RecordReport increments the report count on every fingerprint record
// containing targetUserID and returns the highest count observed.
func (m *Manager) RecordReport(targetUserID string) int {
	return m.fingerprints.RecordReport(targetUserID)
}

// RecordBan increments the ban count on every fingerprint record containing
// targetUserID.
func (m *Manager) RecordBan(targetUserID string) {
	m.fingerprints.RecordBan(targetUserID)
}

// ValidateMessage validates and profanity-filters s using the configured
// maximum message length.
func (m *Manager) ValidateMessage(s string) ValidationResult {
	return ValidateMessage(s, m.cfg.MaxMessageLength)
}

// TrackUserAction records one action against userID's rolling abuse
// counters. kind is one of "message", "skip", or "report".
func (m *Manager) TrackUserAction(userID string, kind Action) {
	now := m.now()
	switch kind {
	case ActionMessage:
		m.abuse.TrackMessage(userID, now)
	case ActionSkip:
		m.abuse.TrackSkip(userID, now)
	case ActionReport:
		m.abuse.TrackReport(userID, now)
	}
}

// DetectAbusePatterns evaluates userID's rolling counters.
func (m *Manager) DetectAbusePatterns(userID string) []AbusePattern {
	return m.abuse.DetectAbusePatterns(userID, m.now())
}

// Encrypt wraps payload using the optional encryption helper (pass-through
// if disabled).
func (m *Manager) Encrypt(payload []byte) ([]byte, error) {
	return m.cipher.Encrypt(payload)
}

// Decrypt reverses Encrypt.
func (m *Manager) Decrypt(payload []byte) ([]byte, error) {
	return m.cipher.Decrypt(payload)
}

// EncryptionEnabled reports whether the optional encryption helper is
// active.
func (m *Manager) EncryptionEnabled() bool {
	return m.cipher.Enabled()
}

// MintToken signs a short-TTL bearer token.
func (m *Manager) MintToken(userID, fingerprint string) (string, error) {
	return m.tokens.Mint(userID, fingerprint, m.clock.Now())
}

// MintRefreshToken signs a long-TTL refresh token.
func (m *Manager) MintRefreshToken(userID, fingerprint string) (string, error) {
	return m.tokens.MintRefresh(userID, fingerprint, m.clock.Now())
}

// VerifyToken checks a bearer token's signature and expiry.
func (m *Manager) VerifyToken(tokenString string) (userID, fingerprint string, err error) {
	return m.tokens.Verify(tokenString)
}

// CleanupReport summarizes one periodic sweep, for logging.
type CleanupReport struct {
	WindowsDropped int
	BansDropped    int
	AbuseDropped   int
}

// Cleanup runs the periodic background sweep spec §4.4 requires: drops
// expired bans, IP windows inactive for an hour, and abuse records older
// than 24h.
func (m *Manager) Cleanup() CleanupReport {
	now := m.now()
	windowsDropped, bansDropped := m.bans.sweep(now, m.cfg.WindowInactivity.Nanoseconds())
	abuseDropped := m.abuse.sweep(now)
	return CleanupReport{
		WindowsDropped: windowsDropped,
		BansDropped:    bansDropped,
		AbuseDropped:   abuseDropped,
	}
}

// Close releases background resources (the fingerprint cache's eviction
// goroutine).
func (m *Manager) Close() {
	m.fingerprints.stop()
}
