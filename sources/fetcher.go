package sources

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Kirky-X/xRelay/config"
	"github.com/Kirky-X/xRelay/helpers"
	"github.com/Kirky-X/xRelay/relay"
)

// Feed bodies are capped; public relay lists are small and an abusive
// feed must not exhaust memory.
const maxFeedBody = 4 << 20

// fetcher retrieves and parses a single feed.
type fetcher struct {
	cfg     config.FeedConfig
	timeout time.Duration
	client  *http.Client
}

func newFetcher(cfg config.FeedConfig, timeout time.Duration) *fetcher {
	return &fetcher{
		cfg:     cfg,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *fetcher) fetch(ctx context.Context) ([]relay.RawCandidate, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("Accept", "*/*")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxFeedBody)

	switch f.cfg.Format {
	case "json":
		return f.parseJSON(body)
	default:
		return f.parsePlain(body)
	}
}

// parsePlain reads line-delimited "host:port" entries. Malformed lines
// are skipped, not errors.
func (f *fetcher) parsePlain(r io.Reader) ([]relay.RawCandidate, error) {
	var candidates []relay.RawCandidate
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		host, port, err := helpers.ParseHostPort(line)
		if err != nil {
			continue
		}
		candidates = append(candidates, relay.RawCandidate{
			Address: host,
			Port:    port,
			Source:  f.cfg.Name,
		})
	}
	if err := scanner.Err(); err != nil {
		return candidates, fmt.Errorf("failed to read feed body: %w", err)
	}
	return candidates, nil
}

// feedEntry matches the common JSON feed shape. Port may arrive as a
// number or a string depending on the feed.
type feedEntry struct {
	Host string          `json:"host"`
	IP   string          `json:"ip"`
	Port json.RawMessage `json:"port"`
	Type string          `json:"type"`
}

func (f *fetcher) parseJSON(r io.Reader) ([]relay.RawCandidate, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read feed body: %w", err)
	}

	var entries []feedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// Some feeds emit one JSON object per line instead of an array.
		entries = entries[:0]
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			var e feedEntry
			if jerr := json.Unmarshal([]byte(line), &e); jerr == nil {
				entries = append(entries, e)
			}
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("failed to parse JSON feed: %w", err)
		}
	}

	var candidates []relay.RawCandidate
	for _, e := range entries {
		host := e.Host
		if host == "" {
			host = e.IP
		}
		port := parsePort(e.Port)
		if host == "" || port < 1 || port > 65535 {
			continue
		}
		candidates = append(candidates, relay.RawCandidate{
			Address: host,
			Port:    port,
			Source:  f.cfg.Name,
		})
	}
	return candidates, nil
}

func parsePort(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	s := strings.Trim(string(raw), `"`)
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return port
}
