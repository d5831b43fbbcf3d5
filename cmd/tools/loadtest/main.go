// main.go - Beacon load generator
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
)

// LoadConfig holds the settings for one run.
type LoadConfig struct {
	BaseURL     string
	TrackingID  string
	Origin      string
	Concurrency int
	Duration    time.Duration
	BeaconsRate int // beacons per second, 0 = unlimited
	Heartbeats  int // repeat posts per idempotency key
	Timeout     time.Duration
}

// LoadStats aggregates the run outcome.
type LoadStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalLatency       int64 // nanoseconds
	MinLatency         time.Duration
	MaxLatency         time.Duration

	mu            sync.Mutex
	StatusCodes   map[int]int64
	ResponseTimes []time.Duration
	StartTime     time.Time
	EndTime       time.Time
}

// Result captures one request.
type Result struct {
	Duration   time.Duration
	StatusCode int
	Error      error
}

type beaconPayload struct {
	Idempotency string   `json:"idempotency"`
	Location    string   `json:"location"`
	Referrer    string   `json:"referrer,omitempty"`
	LoadTime    *float64 `json:"loadTime,omitempty"`
}

var pagePaths = []string{
	"/", "/products", "/services", "/about", "/contact",
	"/blog", "/pricing", "/faq", "/login", "/register",
}

var referrers = []string{
	"https://google.com", "https://facebook.com", "https://twitter.com",
	"https://linkedin.com", "https://bing.com", "https://duckduckgo.com",
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
}

func main() {
	baseURL := flag.String("url", "http://localhost:3000", "Base URL of the server")
	trackingID := flag.String("tracking-id", "", "Tracking id of the target service (required)")
	concurrency := flag.Int("c", 10, "Number of concurrent clients")
	duration := flag.Duration("d", 30*time.Second, "Duration of the run")
	rate := flag.Int("rate", 0, "Target beacons per second (0 = unlimited)")
	heartbeats := flag.Int("heartbeats", 3, "Repeat posts per idempotency key")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Parse()

	if *trackingID == "" {
		fmt.Fprintln(os.Stderr, "missing -tracking-id")
		flag.Usage()
		os.Exit(2)
	}

	origin := os.Getenv("PAGETRACE_LOADTEST_ORIGIN")
	if origin == "" {
		origin = "https://example.com"
	}

	config := &LoadConfig{
		BaseURL:     *baseURL,
		TrackingID:  *trackingID,
		Origin:      origin,
		Concurrency: *concurrency,
		Duration:    *duration,
		BeaconsRate: *rate,
		Heartbeats:  *heartbeats,
		Timeout:     *timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.Duration)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("Received signal %v, stopping...\n", sig)
		cancel()
	}()

	endpoint := fmt.Sprintf("%s/trace/app_%s.js", config.BaseURL, config.TrackingID)
	fmt.Printf("Posting beacons to %s with %d clients for %v\n",
		endpoint, config.Concurrency, config.Duration)

	stats := &LoadStats{
		StatusCodes: make(map[int]int64),
		StartTime:   time.Now(),
	}

	for result := range runClients(ctx, config, endpoint) {
		record(result, stats)
	}

	stats.EndTime = time.Now()
	printResults(stats)
}

// runClients starts the worker pool and returns the result stream.
func runClients(ctx context.Context, config *LoadConfig, endpoint string) <-chan Result {
	results := make(chan Result, config.Concurrency*10)
	var wg sync.WaitGroup

	perWorkerRate := 0.0
	if config.BeaconsRate > 0 {
		perWorkerRate = float64(config.BeaconsRate) / float64(config.Concurrency)
	}

	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: config.Timeout}
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			var ticker *time.Ticker
			if perWorkerRate > 0 {
				ticker = time.NewTicker(time.Duration(float64(time.Second) / perWorkerRate))
				defer ticker.Stop()
			}

			// Each worker impersonates one visitor: a fixed user agent and
			// IP so its beacons collapse into one session.
			userAgent := userAgents[rng.Intn(len(userAgents))]
			visitorIP := fmt.Sprintf("203.0.113.%d", 1+rng.Intn(250))

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if ticker != nil {
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}

				payload := randomBeacon(config, rng)
				// First post creates the hit, the rest are heartbeats.
				for n := 0; n <= config.Heartbeats; n++ {
					select {
					case <-ctx.Done():
						return
					default:
					}
					results <- sendBeacon(client, config, endpoint, payload, userAgent, visitorIP)
				}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}

func randomBeacon(config *LoadConfig, rng *rand.Rand) beaconPayload {
	payload := beaconPayload{
		Idempotency: uuid.NewString(),
		Location:    config.Origin + pagePaths[rng.Intn(len(pagePaths))],
	}
	if rng.Float64() < 0.7 {
		payload.Referrer = referrers[rng.Intn(len(referrers))]
	}
	if rng.Float64() < 0.9 {
		loadTime := 50 + rng.Float64()*1500
		payload.LoadTime = &loadTime
	}
	return payload
}

func sendBeacon(client *http.Client, config *LoadConfig, endpoint string, payload beaconPayload, userAgent, visitorIP string) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Error: fmt.Errorf("failed to marshal payload: %w", err)}
	}

	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Origin", config.Origin)
	req.Header.Set("X-Forwarded-For", visitorIP)

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{Duration: elapsed, Error: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return Result{Duration: elapsed, StatusCode: resp.StatusCode}
}

func record(result Result, stats *LoadStats) {
	atomic.AddInt64(&stats.TotalRequests, 1)
	if result.Error != nil {
		atomic.AddInt64(&stats.FailedRequests, 1)
		return
	}

	stats.mu.Lock()
	stats.StatusCodes[result.StatusCode]++
	stats.ResponseTimes = append(stats.ResponseTimes, result.Duration)
	if stats.MinLatency == 0 || result.Duration < stats.MinLatency {
		stats.MinLatency = result.Duration
	}
	if result.Duration > stats.MaxLatency {
		stats.MaxLatency = result.Duration
	}
	stats.mu.Unlock()

	atomic.AddInt64(&stats.TotalLatency, int64(result.Duration))
	if result.StatusCode == http.StatusOK {
		atomic.AddInt64(&stats.SuccessfulRequests, 1)
	} else {
		atomic.AddInt64(&stats.FailedRequests, 1)
	}
}

func printResults(stats *LoadStats) {
	elapsed := stats.EndTime.Sub(stats.StartTime)
	rps := float64(stats.TotalRequests) / elapsed.Seconds()

	var avgLatency time.Duration
	if stats.TotalRequests > 0 {
		avgLatency = time.Duration(stats.TotalLatency / stats.TotalRequests)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "\n%s\t%s\n", "METRIC", "VALUE")
	fmt.Fprintf(w, "%s\t%s\n", "------", "-----")
	fmt.Fprintf(w, "Duration\t%v\n", elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Total Requests\t%d\n", stats.TotalRequests)
	fmt.Fprintf(w, "Successful\t%d\n", stats.SuccessfulRequests)
	fmt.Fprintf(w, "Failed\t%d\n", stats.FailedRequests)
	fmt.Fprintf(w, "Requests/sec\t%.2f\n", rps)
	fmt.Fprintf(w, "Min Latency\t%v\n", stats.MinLatency)
	fmt.Fprintf(w, "Avg Latency\t%v\n", avgLatency)
	fmt.Fprintf(w, "Max Latency\t%v\n", stats.MaxLatency)
	w.Flush()

	if len(stats.ResponseTimes) > 0 {
		sort.Slice(stats.ResponseTimes, func(i, j int) bool {
			return stats.ResponseTimes[i] < stats.ResponseTimes[j]
		})
		total := len(stats.ResponseTimes)
		fmt.Fprintf(w, "\n%s\t%s\n", "PERCENTILE", "VALUE")
		fmt.Fprintf(w, "%s\t%s\n", "----------", "-----")
		fmt.Fprintf(w, "50th\t%v\n", stats.ResponseTimes[total/2])
		fmt.Fprintf(w, "95th\t%v\n", stats.ResponseTimes[total*95/100])
		fmt.Fprintf(w, "99th\t%v\n", stats.ResponseTimes[total*99/100])
		w.Flush()
	}

	if len(stats.StatusCodes) > 0 {
		var codes []int
		for code := range stats.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)

		fmt.Fprintf(w, "\n%s\t%s\n", "STATUS", "COUNT")
		fmt.Fprintf(w, "%s\t%s\n", "------", "-----")
		for _, code := range codes {
			fmt.Fprintf(w, "%d\t%d\n", code, stats.StatusCodes[code])
		}
		w.Flush()
	}
}
