package idgen

import (
	"bytes"
	"regexp"
	"sync"
	"testing"
	"time"
)

func TestSnowflakeIDsAreUniqueAndIncreasing(t *testing.T) {
	s, err := NewSnowflake(3)
	if err != nil {
		t.Fatalf("new snowflake: %v", err)
	}
	prev := int64(0)
	for i := 0; i < 10000; i++ {
		id := s.Generate()
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestSnowflakeSurvivesClockStepBack(t *testing.T) {
	s, err := NewSnowflake(1)
	if err != nil {
		t.Fatalf("new snowflake: %v", err)
	}
	clock := epoch + 10_000
	s.nowMs = func() int64 { return clock }

	first := s.Generate()
	clock -= 5_000
	second := s.Generate()
	if second <= first {
		t.Fatalf("id went backwards after clock step: %d then %d", first, second)
	}
}

func TestNewSnowflakeRejectsWorkerOutOfRange(t *testing.T) {
	if _, err := NewSnowflake(maxWorkerID + 1); err == nil {
		t.Fatalf("expected error for worker id above range")
	}
	if _, err := NewSnowflake(-1); err == nil {
		t.Fatalf("expected error for negative worker id")
	}
}

func TestGenerateFormats(t *testing.T) {
	g := NewReferenceGenerator("BILLIA")
	g.now = func() time.Time { return time.Unix(1700001234, 0) }
	g.random = bytes.NewReader(bytes.Repeat([]byte{0}, 64))

	delimited := g.Generate("bank-transfer", "paystack", true)
	if delimited != "BILLIA|BKTRF|1234AAAAAAAA" {
		t.Fatalf("unexpected delimited reference %q", delimited)
	}

	hyphenated := g.Generate("bills", "vtpass", false)
	if hyphenated != "BILLIA-BILL-1234AAAAAAAA" {
		t.Fatalf("unexpected hyphenated reference %q", hyphenated)
	}
}

func TestTagFallbacks(t *testing.T) {
	cases := []struct {
		channel, provider, want string
	}{
		{"card", "paystack", "CARD"},
		{"", "paystack", "PSTK"},
		{"unknown", "vtpass", "VTP"},
		{"", "", "TRNX"},
		{"in-app", "system", "INAPP"},
	}
	for _, tc := range cases {
		if got := Tag(tc.channel, tc.provider); got != tc.want {
			t.Fatalf("Tag(%q, %q) = %q, want %q", tc.channel, tc.provider, got, tc.want)
		}
	}
}

func TestGenerateReferenceIsUniqueUnderConcurrency(t *testing.T) {
	pattern := regexp.MustCompile(`^WLT\|INAPP\|\d{4}[A-Z2-9]{8}$`)

	var mu sync.Mutex
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				ref := GenerateReference("in-app", "system", true)
				mu.Lock()
				seen[ref] = struct{}{}
				mu.Unlock()
				if !pattern.MatchString(ref) {
					t.Errorf("reference %q does not match format", ref)
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(seen) != 4000 {
		t.Fatalf("expected 4000 unique references, got %d", len(seen))
	}
}
