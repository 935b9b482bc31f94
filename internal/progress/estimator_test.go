package progress

import (
	"testing"
	"time"
)

func TestPercent_ZeroTotal(t *testing.T) {
	e := New(Config{})
	if err := e.AddSample(100, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pct := e.Percent(); pct != 0 {
		t.Fatalf("Percent() = %v, want 0 for total=0", pct)
	}
}

func TestAddSample_RejectsNegative(t *testing.T) {
	e := New(Config{})
	if err := e.AddSample(-1, 100, time.Now()); err == nil {
		t.Fatalf("expected error for negative bytes_transferred")
	}
	if err := e.AddSample(10, -1, time.Now()); err == nil {
		t.Fatalf("expected error for negative total_bytes")
	}
	// Estimator remains usable afterward.
	if err := e.AddSample(10, 100, time.Now()); err != nil {
		t.Fatalf("estimator unusable after rejected sample: %v", err)
	}
}

func TestETC_CompleteWhenBytesReachTotal(t *testing.T) {
	e := New(Config{})
	now := time.Now()
	_ = e.AddSample(50, 100, now)
	_ = e.AddSample(100, 100, now.Add(time.Second))

	res := e.ETC(MethodLinear)
	if res.Seconds != 0 {
		t.Fatalf("ETCSeconds = %v, want 0 when complete", res.Seconds)
	}
	if res.Confidence != 1 {
		t.Fatalf("Confidence = %v, want 1 when complete", res.Confidence)
	}
}

func TestETC_FewerThanTwoSamples(t *testing.T) {
	e := New(Config{})
	_ = e.AddSample(10, 1000, time.Now())
	res := e.ETC(MethodLinear)
	if res.Seconds != 0 {
		t.Fatalf("ETCSeconds = %v, want 0 with < 2 samples", res.Seconds)
	}
	if res.Confidence >= 0.2 {
		t.Fatalf("Confidence = %v, want close to 0 with < 2 samples", res.Confidence)
	}
}

func TestETC_LinearMonotonicGrowth(t *testing.T) {
	e := New(Config{})
	start := time.Now()
	total := int64(1_000_000_000 + 10*100_000_000)
	baseline := int64(1_000_000_000)

	for i := 0; i <= 10; i++ {
		bytesNow := baseline + int64(i)*100_000_000
		_ = e.AddSample(bytesNow, total, start.Add(time.Duration(i)*time.Second))
	}

	pct := e.Percent()
	if pct <= 0 || pct > 100 {
		t.Fatalf("Percent() = %v, want in (0,100]", pct)
	}

	res := e.ETC(MethodLinear)
	if res.Seconds < 0 {
		t.Fatalf("ETCSeconds negative: %v", res.Seconds)
	}
}

func TestETC_PausedTransferLowersConfidence(t *testing.T) {
	e := New(Config{})
	start := time.Now()
	_ = e.AddSample(100, 1000, start)
	_ = e.AddSample(200, 1000, start.Add(time.Second))

	active := e.ETC(MethodLinear).Confidence

	// Plateau: several samples with identical bytes.
	for i := 0; i < 5; i++ {
		_ = e.AddSample(200, 1000, start.Add(time.Duration(2+i)*time.Second))
	}
	paused := e.ETC(MethodLinear).Confidence

	if paused >= active {
		t.Fatalf("expected paused confidence (%v) < active confidence (%v)", paused, active)
	}
}

func TestAdaptive_FallsBackWhenUnstable(t *testing.T) {
	e := New(Config{Method: MethodAdaptive})
	start := time.Now()
	rates := []int64{0, 500_000_000, 10_000_000, 700_000_000, 5_000_000}
	var cum int64
	for i, r := range rates {
		cum += r
		_ = e.AddSample(cum, 10_000_000_000, start.Add(time.Duration(i)*time.Second))
	}
	res := e.ETC("")
	if res.Method != MethodAdaptive {
		t.Fatalf("Method = %v, want adaptive", res.Method)
	}
}

func TestSnapshot_CarriesFullTuple(t *testing.T) {
	e := New(Config{})
	start := time.Now()
	_ = e.AddSample(100, 1000, start)
	_ = e.AddSample(300, 1000, start.Add(time.Second))

	m := e.Snapshot(MethodLinear)
	if m.BytesTransferred != 300 || m.TotalBytes != 1000 {
		t.Fatalf("Snapshot bytes = (%d, %d), want (300, 1000)", m.BytesTransferred, m.TotalBytes)
	}
	if m.Percent != 30 {
		t.Fatalf("Snapshot percent = %v, want 30", m.Percent)
	}
	if m.TransferRateBps <= 0 {
		t.Fatalf("Snapshot rate = %v, want > 0 after two growing samples", m.TransferRateBps)
	}
	if m.ETCSeconds < 0 || m.Confidence < 0 || m.Confidence > 1 {
		t.Fatalf("Snapshot etc/confidence out of range: %+v", m)
	}
	if m.Method != MethodLinear {
		t.Fatalf("Snapshot method = %v, want linear", m.Method)
	}
}

func TestReset_ClearsHistoryAndSmoothing(t *testing.T) {
	e := New(Config{})
	start := time.Now()
	_ = e.AddSample(100, 1000, start)
	_ = e.AddSample(300, 1000, start.Add(time.Second))

	e.Reset()

	if pct := e.Percent(); pct != 0 {
		t.Fatalf("Percent() after Reset = %v, want 0", pct)
	}
	if rate := e.CurrentRate(); rate != 0 {
		t.Fatalf("CurrentRate() after Reset = %v, want 0", rate)
	}
	// Usable afterward: a fresh lifecycle starts from a clean history.
	if err := e.AddSample(50, 500, start.Add(2*time.Second)); err != nil {
		t.Fatalf("AddSample after Reset: %v", err)
	}
	if pct := e.Percent(); pct != 10 {
		t.Fatalf("Percent() after Reset+sample = %v, want 10", pct)
	}
}

func TestEstimator_WindowSizeEviction(t *testing.T) {
	e := New(Config{WindowSize: 3})
	start := time.Now()
	for i := 0; i < 10; i++ {
		_ = e.AddSample(int64(i)*10, 1000, start.Add(time.Duration(i)*time.Second))
	}
	e.mu.Lock()
	n := len(e.history)
	e.mu.Unlock()
	if n != 3 {
		t.Fatalf("history length = %d, want 3 after eviction", n)
	}
}
