package payload

import (
	"strings"
	"testing"
	"time"
)

func mustParse(t *testing.T, line string) Value {
	t.Helper()
	v, err := Parse([]byte(line))
	if err != nil {
		t.Fatalf("Parse(%q): %v", line, err)
	}
	return v
}

func TestParseRejectsNonObjects(t *testing.T) {
	for _, line := range []string{`[1,2,3]`, `"text"`, `42`, `null`, `true`} {
		if _, err := Parse([]byte(line)); err == nil {
			t.Errorf("Parse(%q): expected error", line)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, line := range []string{``, `{`, `{"a":}`, `{"a":1} extra`} {
		if _, err := Parse([]byte(line)); err == nil {
			t.Errorf("Parse(%q): expected error", line)
		}
	}
}

func TestCanonicalSortsKeys(t *testing.T) {
	a := mustParse(t, `{"b":2,"a":1,"c":{"y":true,"x":null}}`)
	b := mustParse(t, `{"c":{"x":null,"y":true},"a":1,"b":2}`)
	if string(a.Canonical()) != string(b.Canonical()) {
		t.Errorf("canonical forms differ:\n%s\n%s", a.Canonical(), b.Canonical())
	}
	want := `{"a":1,"b":2,"c":{"x":null,"y":true}}`
	if got := string(a.Canonical()); got != want {
		t.Errorf("Canonical = %s, want %s", got, want)
	}
}

func TestCanonicalPreservesNumberLiterals(t *testing.T) {
	v := mustParse(t, `{"price":1.50,"qty":10000000000000000001}`)
	got := string(v.Canonical())
	if !strings.Contains(got, "1.50") {
		t.Errorf("number literal not preserved: %s", got)
	}
	if !strings.Contains(got, "10000000000000000001") {
		t.Errorf("big integer mangled: %s", got)
	}
}

func TestFingerprintIgnoresFieldOrder(t *testing.T) {
	a := mustParse(t, `{"title":"x","url":"http://e.com","n":1}`)
	b := mustParse(t, `{"n":1,"url":"http://e.com","title":"x"}`)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprints differ for reordered fields")
	}
	if len(a.Fingerprint()) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a.Fingerprint()))
	}
}

func TestFingerprintIgnoresVolatileKeys(t *testing.T) {
	a := mustParse(t, `{"title":"x","scraped_at":"2026-01-01 00:00:00","crawl_start_datetime":"2026-01-01 00:00:00","item_acquired_datetime":"2026-01-01 00:00:01"}`)
	b := mustParse(t, `{"title":"x","scraped_at":"2026-02-02 12:00:00","crawl_start_datetime":"2026-02-02 12:00:00","item_acquired_datetime":"2026-02-02 12:00:05"}`)
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprints differ when only volatile keys change")
	}

	c := mustParse(t, `{"title":"y","scraped_at":"2026-01-01 00:00:00"}`)
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("fingerprints collide for different content")
	}
}

func TestVolatileKeysOnlyTopLevel(t *testing.T) {
	a := mustParse(t, `{"nested":{"scraped_at":"2026-01-01"}}`)
	b := mustParse(t, `{"nested":{"scraped_at":"2026-02-02"}}`)
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("nested keys must not be treated as volatile")
	}
}

func TestReservedAccessors(t *testing.T) {
	v := mustParse(t, `{"url":"http://example.com/p/1","crawl_start_datetime":"2026-08-01 12:00:00","item_acquired_datetime":"2026-08-01T12:00:05Z"}`)

	u, ok := v.URL()
	if !ok || u != "http://example.com/p/1" {
		t.Errorf("URL = %q, %v", u, ok)
	}

	cs, ok := v.CrawlStart()
	if !ok {
		t.Fatal("CrawlStart missing")
	}
	want := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if !cs.Equal(want) {
		t.Errorf("CrawlStart = %v, want %v", cs, want)
	}

	ia, ok := v.ItemAcquired()
	if !ok || !ia.Equal(want.Add(5*time.Second)) {
		t.Errorf("ItemAcquired = %v, %v", ia, ok)
	}

	raw, ok := v.CrawlStartRaw()
	if !ok || raw != "2026-08-01 12:00:00" {
		t.Errorf("CrawlStartRaw = %q, %v", raw, ok)
	}
}

func TestAccessorsAbsent(t *testing.T) {
	v := mustParse(t, `{"title":"no reserved keys"}`)
	if _, ok := v.URL(); ok {
		t.Error("URL should be absent")
	}
	if _, ok := v.CrawlStart(); ok {
		t.Error("CrawlStart should be absent")
	}
	if _, ok := v.ItemAcquired(); ok {
		t.Error("ItemAcquired should be absent")
	}
}

func TestRoundTripModuloFieldOrder(t *testing.T) {
	line := `{"z":"last","a":"first","mid":[1,2,{"k":"v"}]}`
	v := mustParse(t, line)
	again := mustParse(t, string(v.Canonical()))
	if string(again.Canonical()) != string(v.Canonical()) {
		t.Error("canonical form not stable across round trip")
	}
	if again.Fingerprint() != v.Fingerprint() {
		t.Error("fingerprint not stable across round trip")
	}
}
