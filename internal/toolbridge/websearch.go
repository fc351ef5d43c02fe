package toolbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/relayforge/reasonflow/internal/tool"
)

// WebSearchArgs mirrors tools_bridge.py's web_search signature.
type WebSearchArgs struct {
	Query          string   `json:"query" jsonschema:"required,description=Primary search query"`
	MaxResults     int      `json:"max_results,omitempty" jsonschema:"default=5,description=Maximum results per attempt"`
	Provider       string   `json:"provider,omitempty" jsonschema:"default=auto,enum=auto|firecrawl|tavily"`
	FallbackQueries []string `json:"fallback_queries,omitempty" jsonschema:"description=Tried in order if the primary query falls short of min_results"`
	MinResults     int      `json:"min_results,omitempty" jsonschema:"default=1,description=Minimum non-empty result lines before accepting an attempt"`
}

type searchResult struct {
	query  string
	result tool.Result
}

// webSearch tries query then, in order, each of FallbackQueries, accepting
// the first attempt whose output has at least MinResults non-empty lines.
// All attempts are launched concurrently (golang.org/x/sync/errgroup) to
// overlap network latency, but are inspected in input order so "tries
// fallback queries in order" holds for what gets accepted first.
func (b *Bridge) webSearch(ctx tool.Context, args WebSearchArgs) tool.Result {
	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	minResults := args.MinResults
	if minResults <= 0 {
		minResults = 1
	}

	queries := append([]string{args.Query}, args.FallbackQueries...)
	results := make([]tool.Result, len(queries))

	g, _ := errgroup.WithContext(ctx.Context)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			results[i] = b.runSearchAttempt(args.Provider, q, maxResults)
			return nil
		})
	}
	_ = g.Wait()

	var attempts []string
	for i, q := range queries {
		res := results[i]
		if !res.Success {
			return res
		}
		attempts = append(attempts, fmt.Sprintf("[Attempt %d] query: %s\n%s", i+1, q, res.Output))

		nonEmpty := 0
		for _, line := range strings.Split(res.Output, "\n") {
			if strings.TrimSpace(line) != "" {
				nonEmpty++
			}
		}
		if nonEmpty >= minResults {
			break
		}
	}
	return tool.Ok(strings.Join(attempts, "\n\n"))
}

func (b *Bridge) runSearchAttempt(provider, query string, maxResults int) tool.Result {
	selected := strings.ToLower(provider)
	if selected == "" || selected == "auto" {
		switch {
		case b.cfg.FirecrawlAPIKey != "":
			selected = "firecrawl"
		default:
			selected = "tavily"
		}
	}

	if selected == "firecrawl" {
		return b.searchFirecrawl(query, maxResults)
	}
	return b.searchTavily(query, maxResults)
}

func (b *Bridge) searchTavily(query string, maxResults int) tool.Result {
	if b.cfg.TavilyAPIKey == "" {
		return tool.Err("Tavily not available. Check TAVILY_API_KEY.")
	}

	payload, _ := json.Marshal(map[string]any{
		"api_key":     b.cfg.TavilyAPIKey,
		"query":       query,
		"max_results": maxResults,
	})
	req, err := http.NewRequest(http.MethodPost, b.cfg.TavilyBaseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return tool.Err("Tavily API Error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return tool.Err("Tavily API Error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tool.Err("Tavily API Error: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tool.Err("Tavily API Error: decoding response: %v", err)
	}

	items := dedupByURLTitle(parsed.Results)
	if len(items) == 0 {
		return tool.Ok(zeroResultsMessage(query))
	}

	var lines []string
	for i, item := range items {
		title, _ := item["title"].(string)
		url, _ := item["url"].(string)
		content, _ := item["content"].(string)
		lines = append(lines, fmt.Sprintf("%d. %s\n   URL: %s\n   %s", i+1, title, url, content))
	}
	return tool.Ok(strings.Join(lines, "\n"))
}

func (b *Bridge) searchFirecrawl(query string, limit int) tool.Result {
	if b.cfg.FirecrawlAPIKey == "" {
		return tool.Err("Firecrawl config error: set FIRECRAWL_API_KEY.")
	}

	payload, _ := json.Marshal(map[string]any{"query": query, "limit": limit})
	req, err := http.NewRequest(http.MethodPost, b.cfg.FirecrawlBaseURL+"/v1/search", bytes.NewReader(payload))
	if err != nil {
		return tool.Err("Firecrawl API Error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.FirecrawlAPIKey)

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return tool.Err("Firecrawl API Error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tool.Err("Firecrawl API returned error: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tool.Err("Firecrawl API Error: decoding response: %v", err)
	}

	if len(parsed.Data) == 0 {
		return tool.Ok(zeroResultsMessage(query))
	}

	items := dedupByURLTitle(parsed.Data)
	var lines []string
	for i, item := range items {
		title, _ := item["title"].(string)
		if title == "" {
			title = "No title"
		}
		url, _ := item["url"].(string)
		desc, _ := item["description"].(string)
		if desc == "" {
			desc, _ = item["markdown"].(string)
		}
		if len(desc) > 200 {
			desc = desc[:200]
		}
		lines = append(lines, fmt.Sprintf("%d. %s\n   URL: %s\n   %s", i+1, title, url, desc))
	}
	return tool.Ok(strings.Join(lines, "\n"))
}

func zeroResultsMessage(query string) string {
	return fmt.Sprintf(
		"[Zero Results] Search responded successfully but returned no results for query: '%s'\n"+
			"Possible reasons: query too specific, topic too niche, or no indexed content matches.\n"+
			"Suggestions: try broader keywords, different phrasing, or alternative search terms.", query)
}

// dedupByURLTitle sorts items by URL then removes duplicates keyed on
// (url, title) lowercased, matching tools_bridge.py's dedup logic exactly.
func dedupByURLTitle(items []map[string]any) []map[string]any {
	sorted := make([]map[string]any, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return fmt.Sprint(sorted[i]["url"]) < fmt.Sprint(sorted[j]["url"])
	})

	seen := make(map[string]bool)
	var out []map[string]any
	for _, item := range sorted {
		url := strings.ToLower(strings.TrimSpace(fmt.Sprint(item["url"])))
		title := strings.ToLower(strings.TrimSpace(fmt.Sprint(item["title"])))
		key := url + "\x00" + title
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}
