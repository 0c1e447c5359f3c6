package dukas

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/ulikunitz/xz/lzma"

	"github.com/rustyeddy/propguard/market"
)

const DefaultBaseURL = "https://datafeed.dukascopy.com/datafeed"

// publishLag is how long an hour may stay missing on the datafeed before
// its absence is final.
const publishLag = 2 * time.Hour

// recordSize is one bi5 tick: ms offset, ask, bid (uint32) and ask/bid
// volume (float32), big endian.
const recordSize = 20

type Tick struct {
	Time   time.Time
	Ask    float64
	Bid    float64
	AskVol float64
	BidVol float64
}

func (t Tick) Mid() float64 { return (t.Ask + t.Bid) / 2 }

// Feed serves market.History from Dukascopy hourly tick files. Missing
// hours (weekends, holidays, 404s) are skipped, not errors.
type Feed struct {
	BaseURL  string
	CacheDir string // optional .bi5 cache, laid out like the datafeed
	HTTP     *http.Client
	Workers  int
	Sleep    time.Duration // polite delay per request
	Now      func() time.Time
	Log      zerolog.Logger

	// completed hours already decoded, so each poll only downloads the
	// newest hour
	memMu sync.Mutex
	mem   map[hourKey][]Tick
}

type hourKey struct {
	sym  string
	hour int64
}

func New(baseURL, cacheDir string, log zerolog.Logger) *Feed {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Feed{
		BaseURL:  baseURL,
		CacheDir: cacheDir,
		HTTP:     &http.Client{Timeout: 45 * time.Second},
		Workers:  4,
		Sleep:    50 * time.Millisecond,
		Now:      time.Now,
		Log:      log,
	}
}

// History implements market.History.
func (f *Feed) History(ctx context.Context, symbol string, timeframe time.Duration, count int) ([]market.Candle, error) {
	in, err := market.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	if timeframe <= 0 || count <= 0 {
		return nil, fmt.Errorf("dukas: timeframe and count must be positive")
	}

	hours := hoursFor(f.now(), timeframe, count)
	ticks, err := f.fetchHours(ctx, in, hours)
	if err != nil {
		return nil, err
	}
	f.forget(in.Dukascopy, hours[0])
	if len(ticks) == 0 {
		return nil, fmt.Errorf("dukas %s: %w", in.Symbol, market.ErrNoHistory)
	}

	bars := Aggregate(ticks, timeframe)
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

func (f *Feed) now() time.Time {
	if f.Now != nil {
		return f.Now().UTC()
	}
	return time.Now().UTC()
}

// hoursFor lists the completed UTC hours needed to cover count bars,
// padded for weekends when the market is shut.
func hoursFor(now time.Time, timeframe time.Duration, count int) []time.Time {
	span := time.Duration(count) * timeframe
	n := int(math.Ceil(span.Hours()*1.5)) + 48
	last := now.Truncate(time.Hour).Add(-time.Hour)

	out := make([]time.Time, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, last.Add(-time.Duration(i)*time.Hour))
	}
	return out
}

func (f *Feed) fetchHours(ctx context.Context, in market.Instrument, hours []time.Time) ([]Tick, error) {
	workers := f.Workers
	if workers <= 0 {
		workers = 1
	}

	jobCh := make(chan time.Time)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var all []Tick
	var miss, fail int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range jobCh {
				if f.Sleep > 0 {
					time.Sleep(f.Sleep)
				}
				ticks, err := f.hour(ctx, in, h)
				mu.Lock()
				switch {
				case err != nil:
					fail++
					f.Log.Debug().Err(err).Str("symbol", in.Symbol).Time("hour", h).Msg("dukas hour failed")
				case len(ticks) == 0:
					miss++
				default:
					all = append(all, ticks...)
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, h := range hours {
		select {
		case jobCh <- h:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobCh)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.Log.Debug().
		Str("symbol", in.Symbol).
		Int("hours", len(hours)).
		Int("ticks", len(all)).
		Int("miss", miss).
		Int("fail", fail).
		Msg("dukas fetch done")

	sort.Slice(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })
	return all, nil
}

// hour returns the ticks of one UTC hour, from memory or the disk cache
// when present.
func (f *Feed) hour(ctx context.Context, in market.Instrument, h time.Time) ([]Tick, error) {
	key := hourKey{sym: in.Dukascopy, hour: h.Unix()}
	f.memMu.Lock()
	ticks, ok := f.mem[key]
	f.memMu.Unlock()
	if ok {
		return ticks, nil
	}

	ticks, err := f.load(ctx, in, h)
	if err != nil {
		return nil, err
	}
	if len(ticks) > 0 || h.Before(f.now().Add(-publishLag)) {
		f.memMu.Lock()
		if f.mem == nil {
			f.mem = make(map[hourKey][]Tick)
		}
		f.mem[key] = ticks
		f.memMu.Unlock()
	}
	return ticks, nil
}

func (f *Feed) load(ctx context.Context, in market.Instrument, h time.Time) ([]Tick, error) {
	if f.CacheDir != "" {
		if b, err := os.ReadFile(f.cachePath(in.Dukascopy, h)); err == nil {
			return Decode(bytes.NewReader(b), h, in.DukasScale)
		}
	}

	b, status, err := f.download(ctx, TickURL(f.BaseURL, in.Dukascopy, h))
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound || len(b) == 0 {
		return nil, nil
	}

	if f.CacheDir != "" {
		if err := writeFileAtomic(f.cachePath(in.Dukascopy, h), b); err != nil {
			f.Log.Warn().Err(err).Msg("dukas cache write failed")
		}
	}
	return Decode(bytes.NewReader(b), h, in.DukasScale)
}

// forget drops remembered hours of sym before oldest.
func (f *Feed) forget(sym string, oldest time.Time) {
	f.memMu.Lock()
	defer f.memMu.Unlock()
	for k := range f.mem {
		if k.sym == sym && k.hour < oldest.Unix() {
			delete(f.mem, k)
		}
	}
}

func (f *Feed) cachePath(sym string, h time.Time) string {
	return filepath.Join(f.CacheDir, sym,
		fmt.Sprintf("%04d", h.Year()), fmt.Sprintf("%02d", h.Month()), fmt.Sprintf("%02d", h.Day()),
		fmt.Sprintf("%02dh_ticks.bi5", h.Hour()))
}

// TickURL builds the datafeed URL. Dukascopy months are zero based:
// Jan=00 ... Dec=11.
func TickURL(base, symbol string, t time.Time) string {
	t = t.UTC()
	month0 := int(t.Month()) - 1
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%02dh_ticks.bi5",
		strings.TrimRight(base, "/"),
		symbol,
		t.Year(), month0, t.Day(), t.Hour())
}

func (f *Feed) download(ctx context.Context, url string) ([]byte, int, error) {
	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "propguard/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, fmt.Errorf("dukas %s: http status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	return b, resp.StatusCode, err
}

// Decode reads an lzma compressed bi5 hour file. scale divides the
// integer prices (100000 for most FX, 1000 for JPY pairs, metals, indices).
func Decode(r io.Reader, hour time.Time, scale float64) ([]Tick, error) {
	zr, err := lzma.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("dukas: lzma: %w", err)
	}
	raw, err := io.ReadAll(zr)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("dukas: decompress: %w", err)
	}
	if scale <= 0 {
		scale = 100_000
	}

	n := len(raw) / recordSize
	out := make([]Tick, 0, n)
	for i := 0; i < n; i++ {
		rec := raw[i*recordSize : (i+1)*recordSize]
		ms := binary.BigEndian.Uint32(rec[0:4])
		out = append(out, Tick{
			Time:   hour.Add(time.Duration(ms) * time.Millisecond),
			Ask:    float64(binary.BigEndian.Uint32(rec[4:8])) / scale,
			Bid:    float64(binary.BigEndian.Uint32(rec[8:12])) / scale,
			AskVol: float64(math.Float32frombits(binary.BigEndian.Uint32(rec[12:16]))),
			BidVol: float64(math.Float32frombits(binary.BigEndian.Uint32(rec[16:20]))),
		})
	}
	return out, nil
}

// Aggregate folds time ordered ticks into mid-price bars of width tf.
func Aggregate(ticks []Tick, tf time.Duration) []market.Candle {
	var out []market.Candle
	for _, t := range ticks {
		bucket := t.Time.Truncate(tf)
		mid := t.Mid()
		vol := t.AskVol + t.BidVol

		if n := len(out); n > 0 && out[n-1].Time.Equal(bucket) {
			c := &out[n-1]
			c.High = math.Max(c.High, mid)
			c.Low = math.Min(c.Low, mid)
			c.Close = mid
			c.Volume += vol
			continue
		}
		out = append(out, market.Candle{
			Time: bucket, Open: mid, High: mid, Low: mid, Close: mid, Volume: vol,
		})
	}
	return out
}

func writeFileAtomic(dst string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	tmp := dst + ".part"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
