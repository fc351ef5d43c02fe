package toolbridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relayforge/reasonflow/internal/tool"
)

// WebScrapeArgs mirrors tools_bridge.py's web_scrape signature.
type WebScrapeArgs struct {
	URL    string `json:"url" jsonschema:"required,description=URL to fetch"`
	Format string `json:"format,omitempty" jsonschema:"default=markdown"`
}

const maxScrapeChars = 5000

func (b *Bridge) webScrape(ctx tool.Context, args WebScrapeArgs) tool.Result {
	if b.cfg.FirecrawlAPIKey == "" {
		return tool.Err("Firecrawl config error: set FIRECRAWL_API_KEY.")
	}

	payload, _ := json.Marshal(map[string]any{"url": args.URL, "formats": []string{"markdown"}})
	req, err := http.NewRequest(http.MethodPost, b.cfg.FirecrawlBaseURL+"/v1/scrape", bytes.NewReader(payload))
	if err != nil {
		return tool.Err("Firecrawl scrape error: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.cfg.FirecrawlAPIKey)

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return tool.Err("Firecrawl scrape error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tool.Err("Firecrawl scrape returned error: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		Data struct {
			Markdown string         `json:"markdown"`
			Content  string         `json:"content"`
			Metadata map[string]any `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return tool.Err("Firecrawl scrape error: decoding response: %v", err)
	}

	content := parsed.Data.Markdown
	if content == "" {
		content = parsed.Data.Content
	}
	if content == "" {
		return tool.Ok(fmt.Sprintf(
			"[Empty Content] Firecrawl successfully accessed '%s' but extracted no text content.\n"+
				"Possible reasons: page requires JavaScript rendering, content behind login, "+
				"anti-scraping protection, or page is mostly images/media.\n"+
				"Suggestions: try a different URL, or use web_search to find alternative sources.", args.URL))
	}

	title, _ := parsed.Data.Metadata["title"].(string)
	output := content
	if title != "" {
		output = "Title: " + title + "\n\n" + content
	}
	if len(output) > maxScrapeChars {
		output = output[:maxScrapeChars]
	}
	return tool.Ok(output)
}
