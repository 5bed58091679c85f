package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"raftkv/pkg/rpc"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

// benchOp runs one operation for goroutine g, op j.
type benchOp func(ctx context.Context, client *rpc.Client, g, j int) error

func runBenchmark(ctx context.Context, addr string, ops, concurrency int) error {
	fmt.Println("=== raftkv Benchmark Test ===")
	fmt.Printf("Target: %s\n", addr)
	fmt.Println()

	// Проверка доступности
	if !checkHealth(addr) {
		return fmt.Errorf("node %s is not available", addr)
	}

	put := func(ctx context.Context, client *rpc.Client, g, j int) error {
		key := fmt.Sprintf("bench_key_%d_%d", g, j)
		value := fmt.Sprintf("bench_value_%d_%d_%d", g, j, time.Now().UnixNano())
		_, err := client.Put(ctx, key, value)
		return err
	}

	// ключи для чтения
	seed := rpc.NewClient(addr)
	for i := 0; i < ops; i++ {
		if _, err := seed.Put(ctx, fmt.Sprintf("read_test_%d", i), fmt.Sprintf("value_%d", i)); err != nil {
			return fmt.Errorf("seed read keys: %w", err)
		}
	}
	get := func(ctx context.Context, client *rpc.Client, g, j int) error {
		key := fmt.Sprintf("read_test_%d", (g*ops+j)%ops)
		res, err := client.Get(ctx, key)
		if err != nil {
			return err
		}
		if !res.Found {
			return fmt.Errorf("key %s not found", key)
		}
		return nil
	}

	fmt.Printf("Test 1: Sequential Writes (%d operations)\n", ops)
	printResult(benchmark(ctx, addr, ops, 1, put))

	fmt.Printf("\nTest 2: Sequential Reads (%d operations)\n", ops)
	printResult(benchmark(ctx, addr, ops, 1, get))

	fmt.Printf("\nTest 3: Concurrent Writes (%d operations, %d goroutines)\n", ops, concurrency)
	printResult(benchmark(ctx, addr, ops, concurrency, put))

	fmt.Printf("\nTest 4: Concurrent Reads (%d operations, %d goroutines)\n", ops, concurrency)
	printResult(benchmark(ctx, addr, ops, concurrency, get))

	fmt.Println("\n=== Benchmark Complete ===")
	return nil
}

func checkHealth(baseURL string) bool {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// benchmark gives every goroutine its own client, so each runs its own session.
func benchmark(ctx context.Context, addr string, totalOps, concurrency int, op benchOp) BenchmarkResult {
	if concurrency < 1 {
		concurrency = 1
	}

	start := time.Now()
	var wg sync.WaitGroup
	var mu sync.Mutex

	successful := 0
	failed := 0
	latencies := make([]time.Duration, 0, totalOps)

	opsPerGoroutine := totalOps / concurrency
	remainder := totalOps % concurrency

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(goroutineID int) {
			defer wg.Done()

			client := rpc.NewClient(addr)
			ops := opsPerGoroutine
			if goroutineID < remainder {
				ops++
			}

			for j := 0; j < ops; j++ {
				opStart := time.Now()
				err := op(ctx, client, goroutineID, j)
				latency := time.Since(opStart)

				mu.Lock()
				if err == nil {
					successful++
				} else {
					failed++
				}
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	return summarize(totalOps, successful, failed, time.Since(start), latencies)
}

func summarize(totalOps, successful, failed int, duration time.Duration, latencies []time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
	}
	if len(latencies) == 0 {
		return res
	}

	var sum time.Duration
	res.MinLatency = latencies[0]
	res.MaxLatency = latencies[0]
	for _, lat := range latencies {
		if lat < res.MinLatency {
			res.MinLatency = lat
		}
		if lat > res.MaxLatency {
			res.MaxLatency = lat
		}
		sum += lat
	}
	res.AvgLatency = sum / time.Duration(len(latencies))
	if duration > 0 {
		res.OpsPerSec = float64(successful) / duration.Seconds()
	}
	return res
}

func printResult(result BenchmarkResult) {
	fmt.Printf("  Total Operations: %d\n", result.TotalOps)
	fmt.Printf("  Successful: %d\n", result.SuccessfulOps)
	fmt.Printf("  Failed: %d\n", result.FailedOps)
	fmt.Printf("  Duration: %v\n", result.Duration)
	fmt.Printf("  Operations/sec: %.2f\n", result.OpsPerSec)
	fmt.Printf("  Avg Latency: %v\n", result.AvgLatency)
	fmt.Printf("  Min Latency: %v\n", result.MinLatency)
	fmt.Printf("  Max Latency: %v\n", result.MaxLatency)
}
