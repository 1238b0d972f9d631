// issueload dispara emissões concorrentes contra um issuer e resume os
// resultados. Útil para conferir que nunca sai mais cupom do que o estoque.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	target := getenvDefault("TARGET_URL", "http://localhost:8080")
	resourceType := getenvDefault("RESOURCE_TYPE", "launch-coupon")
	requesters := getenvIntDefault("REQUESTERS", 120)
	workers := getenvIntDefault("WORKERS", 32)
	async := getenvDefault("MODE", "sync") == "async"

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	path := "/v1/issue"
	if async {
		path = "/v1/issue/async"
	}

	jobs := make(chan int)
	var (
		mu      sync.Mutex
		results = map[string]int{}
	)
	record := func(k string) {
		mu.Lock()
		results[k]++
		mu.Unlock()
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				code, err := issue(ctx, client, target+path, "load-"+strconv.Itoa(i), resourceType)
				if err != nil {
					record("transport_error")
					logger.Debug("request failed", zap.Int("requester", i), zap.Error(err))
					continue
				}
				record(code)
			}
		}()
	}

feed:
	for i := 0; i < requesters; i++ {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := []zap.Field{
		zap.String("resource_type", resourceType),
		zap.Int("requesters", requesters),
		zap.Duration("took", time.Since(start)),
	}
	for _, k := range keys {
		fields = append(fields, zap.Int(k, results[k]))
	}
	logger.Info("load finished", fields...)
}

// issue devolve o código do resultado (ISSUED, ACCEPTED ou o código de erro).
func issue(ctx context.Context, client *http.Client, url, requesterID, resourceType string) (string, error) {
	body, _ := json.Marshal(map[string]string{"resourceType": resourceType})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requester-Id", requesterID)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return "ISSUED", nil
	case http.StatusAccepted:
		return "ACCEPTED", nil
	}
	var e struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
		return fmt.Sprintf("HTTP_%d", resp.StatusCode), nil
	}
	return e.Error, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
