package security

import (
	"strings"
	"testing"
	"time"

	"github.com/vibeconnect/rendezvous/internal/clock"
)

func newTestManager(t *testing.T) (*Manager, clock.FakeClock) {
	t.Helper()
	fc := clock.NewFake()
	cfg := Config{
		MaxConnectionsPerIP:        20,
		ConnectionWindow:           60 * time.Second,
		BanDuration:                24 * time.Hour,
		WindowInactivity:           time.Hour,
		RateLimitMessagesPerMinute: 30,
		RateLimitSkipsPerMinute:    10,
		RateLimitReportsPerHour:    3,
		MaxMessageLength:           500,
		FingerprintCapacity:        1000,
	}
	m, err := New(fc, cfg)
	if err != nil {
		t.Fatalf("unexpected error constructing manager: %v", err)
	}
	return m, fc
}

func TestValidateMessageLengthBoundary(t *testing.T) {
	ok := strings.Repeat("a", 500)
	tooLong := strings.Repeat("a", 501)

	if res := ValidateMessage(ok, 500); !res.Valid {
		t.Fatalf("expected 500-char message accepted")
	}
	if res := ValidateMessage(tooLong, 500); res.Valid {
		t.Fatalf("expected 501-char message rejected")
	}
}

func TestValidateMessageRejectsDangerousPatterns(t *testing.T) {
	cases := []string{
		"hello <script>alert(1)</script>",
		"click me javascript:alert(1)",
		"<img onerror=alert(1)>",
		"1 OR 1=1",
		"a; DROP TABLE users",
	}
	for _, c := range cases {
		if res := ValidateMessage(c, 500); res.Valid {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestValidateMessageFiltersProfanityIdempotently(t *testing.T) {
	res := ValidateMessage("that is damn annoying", 500)
	if !res.Valid {
		t.Fatalf("expected message to be valid, got reason %q", res.Reason)
	}
	if strings.Contains(res.Filtered, "damn") {
		t.Fatalf("expected profanity filtered, got %q", res.Filtered)
	}

	second := ValidateMessage(res.Filtered, 500)
	if second.Filtered != res.Filtered {
		t.Fatalf("expected filtering to be idempotent: %q != %q", second.Filtered, res.Filtered)
	}
}

func TestRateLimitBoundary(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 30; i++ {
		if !m.CheckRateLimit("user1", ActionMessage) {
			t.Fatalf("expected message %d to be admitted", i+1)
		}
	}
	if m.CheckRateLimit("user1", ActionMessage) {
		t.Fatalf("expected 31st message to be rejected")
	}
}

func TestIPConnectionBoundary(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 20; i++ {
		if !m.TrackIPConnection("1.2.3.4") {
			t.Fatalf("expected connection %d to be admitted", i+1)
		}
	}
	if m.TrackIPConnection("1.2.3.4") {
		t.Fatalf("expected 21st connection to be rejected")
	}
}

func TestBanIPExpiresLazily(t *testing.T) {
	m, fc := newTestManager(t)
	m.BanIP("5.6.7.8", "test")
	if !m.IsIPBanned("5.6.7.8") {
		t.Fatalf("expected ip banned immediately after ban")
	}

	fc.Advance(25 * time.Hour)
	if m.IsIPBanned("5.6.7.8") {
		t.Fatalf("expected ban to have expired")
	}
}

func TestFingerprintSuspiciousAfterFiveReports(t *testing.T) {
	m, _ := newTestManager(t)
	check := m.TrackFingerprint("fp1", "userA")
	if check.Suspicious {
		t.Fatalf("expected fresh fingerprint to not be suspicious")
	}

	for i := 0; i < 5; i++ {
		m.RecordReport("userA")
	}

	check = m.TrackFingerprint("fp1", "userB")
	if !check.Suspicious {
		t.Fatalf("expected fingerprint to be suspicious after 5 reports")
	}
}

func TestDetectAbusePatternsSkipAbuser(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 16; i++ {
		m.TrackUserAction("user1", ActionSkip)
	}
	patterns := m.DetectAbusePatterns("user1")
	found := false
	for _, p := range patterns {
		if p == PatternSkipAbuser {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected skip_abuser pattern, got %v", patterns)
	}
}

func TestDetectAbusePatternsHarasser(t *testing.T) {
	m, _ := newTestManager(t)
	for i := 0; i < 3; i++ {
		m.TrackUserAction("user1", ActionReport)
	}
	patterns := m.DetectAbusePatterns("user1")
	found := false
	for _, p := range patterns {
		if p == PatternHarasser {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected harasser pattern, got %v", patterns)
	}
}

func TestEncryptionRoundTrip(t *testing.T) {
	fc := clock.NewFake()
	cfg := Config{EncryptionEnabled: true, FingerprintCapacity: 100, MaxMessageLength: 500}
	m, err := New(fc, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ciphertext, err := m.Encrypt([]byte("secret message"))
	if err != nil {
		t.Fatalf("unexpected encrypt error: %v", err)
	}
	plaintext, err := m.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("unexpected decrypt error: %v", err)
	}
	if string(plaintext) != "secret message" {
		t.Fatalf("expected round trip to recover plaintext, got %q", plaintext)
	}
}

func TestTokenMintAndVerify(t *testing.T) {
	fc := clock.NewFake()
	cfg := Config{
		TokensEnabled:       true,
		JWTSecret:           strings.Repeat("x", 32),
		TokenTTL:            15 * time.Minute,
		RefreshTTL:          24 * time.Hour,
		FingerprintCapacity: 100,
		MaxMessageLength:    500,
	}
	m, err := New(fc, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	token, err := m.MintToken("userA", "fp1")
	if err != nil {
		t.Fatalf("unexpected mint error: %v", err)
	}
	userID, fp, err := m.VerifyToken(token)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if userID != "userA" || fp != "fp1" {
		t.Fatalf("unexpected claims: %s, %s", userID, fp)
	}
}

func TestCleanupDropsExpiredBans(t *testing.T) {
	m, fc := newTestManager(t)
	m.BanIP("9.9.9.9", "test")
	fc.Advance(25 * time.Hour)

	report := m.Cleanup()
	if report.BansDropped != 1 {
		t.Fatalf("expected 1 ban dropped, got %d", report.BansDropped)
	}
}
