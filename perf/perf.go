// Package perf implements the closed-loop benchmark harness of spec.md
// §4.11: a fixed number of client goroutines issue calls back-to-back
// (closed loop, not open loop — a client never issues its next call until
// the previous one completes), with inter-arrival gaps drawn from a
// Poisson process. ZipfKeyGen draws keys from a Zipf distribution for
// callers that model skewed access popularity across proclets; the
// harness itself draws no keys. Percentile computation and the
// per-interval timeseries use a plain sorted-slice quantile helper — no
// histogram library appears anywhere in the pack's go.mod files, so a
// stdlib sort here is the grounded choice (see DESIGN.md).
package perf

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"math/rand"
	"net"
	"sort"
	"sync"
	"time"
)

// Call is one unit of benchmarked work: issue a request and report how
// long it took. Supplied by the caller (typically a closure around a
// Proclet[T] handle's Run call).
type Call func(ctx context.Context) error

// Config tunes the harness, following spec.md §4.11's
// run(threads, target_mops, duration_us, warmup_us, miss_ddl_thresh_us)
// parameter list.
type Config struct {
	NumClients int
	Duration   time.Duration
	TargetQPS  float64 // aggregate target rate fed into the Poisson gaps; 0 disables pacing (max closed-loop throughput)
	ZipfSkew   float64 // theta for a caller-built ZipfKeyGen, > 0; higher = more skewed; Run does not read it
	NumKeys    uint64  // key count for a caller-built ZipfKeyGen; Run does not read it

	// Warmup runs the same closed loop for this long before measurement
	// starts; samples collected during warmup are discarded. Zero skips
	// step 2 of spec.md §4.11 entirely.
	Warmup time.Duration

	// MissDeadline is miss_ddl_thresh_us: a worker that wakes more than
	// this long after its scheduled arrival drops the request instead of
	// serving it (step 4). Zero disables deadline-miss dropping.
	MissDeadline time.Duration

	// PercentileOf lists the percentiles (as fractions, e.g. 0.999 for
	// p99.9) Result.Percentiles and each TimeseriesBucket report. A nil
	// slice defaults to {0.50, 0.95, 0.99}.
	PercentileOf []float64

	// Interval buckets the run into fixed-width windows for the
	// per-interval timeseries (step 5). Zero disables bucketing and
	// Result.Timeseries comes back empty.
	Interval time.Duration

	// Barrier, if non-nil, synchronizes every client goroutine across a
	// multi-process benchmark before measurement starts (step 3 / spec.md
	// §8 scenario 3: "all clients unblock ... within ±10ms of each
	// other"). Local single-process runs leave this nil.
	Barrier *Barrier
}

// sample is one completed (or dropped) request, timestamped the way
// spec.md §4.11 step 4 names: absolute_us, relative_us, duration_us.
type sample struct {
	absolute time.Time
	relative time.Duration
	duration time.Duration
	dropped  bool
	err      bool
}

// Result holds the per-call latency distribution and achieved throughput.
type Result struct {
	Count       int
	Duration    time.Duration
	AchievedQPS float64
	Average     time.Duration
	// Percentiles holds one entry per Config.PercentileOf fraction, in
	// the same order.
	Percentiles []time.Duration
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	Errors      int
	Dropped     int
	Timeseries  []TimeseriesBucket
}

// TimeseriesBucket is the percentile summary for one Config.Interval-wide
// window of the measured run, the per-interval half of step 5.
type TimeseriesBucket struct {
	Start       time.Duration
	Count       int
	Percentiles []time.Duration
}

// Harness drives Config.NumClients closed-loop goroutines against call
// for Config.Duration.
type Harness struct {
	cfg Config
}

// New constructs a Harness.
func New(cfg Config) *Harness {
	if len(cfg.PercentileOf) == 0 {
		cfg.PercentileOf = []float64{0.50, 0.95, 0.99}
	}
	return &Harness{cfg: cfg}
}

// Run executes the benchmark until ctx is done or Config.Duration
// elapses (after an optional warmup and an optional multi-client
// barrier), whichever comes first.
func (h *Harness) Run(ctx context.Context, call Call) Result {
	if h.cfg.Warmup > 0 {
		h.runPhase(ctx, call, h.cfg.Warmup, false)
	}

	if h.cfg.Barrier != nil {
		if err := h.cfg.Barrier.Wait(ctx); err != nil {
			return Result{}
		}
	}

	return h.runPhase(ctx, call, h.cfg.Duration, true)
}

// runPhase drives NumClients closed-loop workers for dur. When measure is
// false (warmup) the workers still collect samples exactly as in the
// measured phase, so their deadline-miss behavior matches it, but
// runPhase then returns an empty Result instead of summarizing them.
func (h *Harness) runPhase(ctx context.Context, call Call, dur time.Duration, measure bool) Result {
	ctx, cancel := context.WithTimeout(ctx, dur)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []sample
	)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < h.cfg.NumClients; i++ {
		wg.Add(1)
		go func(clientIdx int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(clientIdx) + 1))
			nextArrival := start
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if h.cfg.TargetQPS > 0 {
					gap := poissonGap(rng, h.cfg.TargetQPS/float64(h.cfg.NumClients))
					nextArrival = nextArrival.Add(gap)
					wait := time.Until(nextArrival)
					if wait > 0 {
						select {
						case <-time.After(wait):
						case <-ctx.Done():
							return
						}
					}
				}

				lateBy := time.Since(nextArrival)
				if h.cfg.TargetQPS > 0 && h.cfg.MissDeadline > 0 && lateBy > h.cfg.MissDeadline {
					mu.Lock()
					samples = append(samples, sample{
						absolute: time.Now(),
						relative: time.Since(start),
						dropped:  true,
					})
					mu.Unlock()
					continue
				}

				callStart := time.Now()
				err := call(ctx)
				elapsed := time.Since(callStart)

				mu.Lock()
				samples = append(samples, sample{
					absolute: callStart,
					relative: callStart.Sub(start),
					duration: elapsed,
					err:      err != nil,
				})
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	total := time.Since(start)

	if !measure {
		return Result{}
	}
	return h.summarize(samples, total)
}

func (h *Harness) summarize(samples []sample, total time.Duration) Result {
	served := make([]time.Duration, 0, len(samples))
	var errs, dropped int
	var sum time.Duration
	for _, s := range samples {
		if s.dropped {
			dropped++
			continue
		}
		if s.err {
			errs++
		}
		served = append(served, s.duration)
		sum += s.duration
	}
	sort.Slice(served, func(i, j int) bool { return served[i] < served[j] })

	res := Result{
		Count:       len(served),
		Duration:    total,
		AchievedQPS: float64(len(served)) / total.Seconds(),
		Errors:      errs,
		Dropped:     dropped,
		Percentiles: percentiles(served, h.cfg.PercentileOf),
	}
	if len(served) > 0 {
		res.Average = sum / time.Duration(len(served))
	}
	res.P50 = percentile(served, 0.50)
	res.P95 = percentile(served, 0.95)
	res.P99 = percentile(served, 0.99)

	if h.cfg.Interval > 0 {
		res.Timeseries = bucketTimeseries(samples, h.cfg.Interval, h.cfg.PercentileOf)
	}
	return res
}

// bucketTimeseries groups served samples into fixed-width windows of
// relative time and reports each window's percentile summary, the
// per-interval half of spec.md §4.11 step 5.
func bucketTimeseries(samples []sample, interval time.Duration, pcts []float64) []TimeseriesBucket {
	buckets := make(map[int64][]time.Duration)
	var maxBucket int64
	for _, s := range samples {
		if s.dropped {
			continue
		}
		b := int64(s.relative / interval)
		if b > maxBucket {
			maxBucket = b
		}
		buckets[b] = append(buckets[b], s.duration)
	}

	out := make([]TimeseriesBucket, 0, maxBucket+1)
	for b := int64(0); b <= maxBucket; b++ {
		durs := buckets[b]
		sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })
		out = append(out, TimeseriesBucket{
			Start:       time.Duration(b) * interval,
			Count:       len(durs),
			Percentiles: percentiles(durs, pcts),
		})
	}
	return out
}

func percentiles(sorted []time.Duration, pcts []float64) []time.Duration {
	out := make([]time.Duration, len(pcts))
	for i, p := range pcts {
		out[i] = percentile(sorted, p)
	}
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// poissonGap draws an inter-arrival gap from an exponential distribution,
// the standard way to simulate a Poisson arrival process at rate qps.
func poissonGap(rng *rand.Rand, qps float64) time.Duration {
	if qps <= 0 {
		return 0
	}
	u := rng.Float64()
	secs := -math.Log(1-u) / qps
	return time.Duration(secs * float64(time.Second))
}

// ZipfKeyGen draws proclet-selecting keys from a Zipf distribution over
// [0, numKeys), modeling the skewed popularity spec.md §4.11 calls for
// ("some proclets are hit far more often than others"), ported from the
// original's Zipf generator (see original_source/ harness code) onto
// Go's standard rand.Zipf.
type ZipfKeyGen struct {
	z *rand.Zipf
}

// NewZipfKeyGen constructs a generator over numKeys keys with skew
// parameter theta (s in rand.Zipf terms: 1+theta).
func NewZipfKeyGen(rng *rand.Rand, numKeys uint64, theta float64) *ZipfKeyGen {
	s := 1 + theta
	return &ZipfKeyGen{z: rand.NewZipf(rng, s, 1, numKeys-1)}
}

// Next draws the next key.
func (g *ZipfKeyGen) Next() uint64 {
	return g.z.Uint64()
}

// Barrier implements spec.md §4.11 step 3: one designated sink accepts N
// workers over a plain TCP listener and releases all of them the instant
// the last one connects, so a multi-process benchmark's clients all
// start measuring within the same few milliseconds of each other (spec.md
// §8 scenario 3's ±10ms bound). Grounded on the original's
// bench_controller sink role and on client.Runtime's own plain
// net.Listen/net.Dial use elsewhere in this tree — a control-plane
// rendezvous like this has no need for a framed RPC codec.
type Barrier struct {
	sink bool
	addr string
	n    int
}

// NewSinkBarrier constructs the barrier side that listens on addr and
// waits for n workers to connect before releasing all of them.
func NewSinkBarrier(addr string, n int) *Barrier {
	return &Barrier{sink: true, addr: addr, n: n}
}

// NewWorkerBarrier constructs the barrier side that dials a sink started
// with NewSinkBarrier and blocks until it is released.
func NewWorkerBarrier(sinkAddr string) *Barrier {
	return &Barrier{sink: false, addr: sinkAddr}
}

// Wait blocks until every participant has arrived, then releases them
// all together.
func (b *Barrier) Wait(ctx context.Context) error {
	if b.sink {
		return b.waitSink(ctx)
	}
	return b.waitWorker(ctx)
}

func (b *Barrier) waitSink(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.addr)
	if err != nil {
		return fmt.Errorf("perf: barrier listen: %w", err)
	}
	defer ln.Close()

	conns := make([]net.Conn, 0, b.n)
	for len(conns) < b.n {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("perf: barrier accept: %w", err)
		}
		conns = append(conns, conn)
	}

	var firstErr error
	for _, conn := range conns {
		if _, err := conn.Write([]byte("go\n")); err != nil && firstErr == nil {
			firstErr = err
		}
		conn.Close()
	}
	return firstErr
}

func (b *Barrier) waitWorker(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return fmt.Errorf("perf: barrier dial: %w", err)
	}
	defer conn.Close()

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("perf: barrier read: %w", err)
	}
	if line != "go\n" {
		return fmt.Errorf("perf: barrier unexpected release %q", line)
	}
	return nil
}
