package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"mvdan.cc/xurls/v2"
)

const DefaultPreviewEndpoint = "https://api.microlink.io"

var linkRe = xurls.Strict()

// ExtractLinks - http(s) ссылки из текста без повторов
func ExtractLinks(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, raw := range linkRe.FindAllString(text, -1) {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		if _, ok := seen[raw]; ok {
			continue
		}
		seen[raw] = struct{}{}
		out = append(out, raw)
	}
	return out
}

type LinkPreview struct {
	URL         string
	Title       string
	Description string
	Image       string
	Host        string
}

// LinkPreviewer запрашивает превью у сервиса с API как у microlink (?url=)
type LinkPreviewer struct {
	endpoint string
	client   *http.Client

	mu    sync.Mutex
	cache map[string]*LinkPreview
}

func NewLinkPreviewer(endpoint string, timeout time.Duration) *LinkPreviewer {
	if endpoint == "" {
		endpoint = DefaultPreviewEndpoint
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LinkPreviewer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		cache:    make(map[string]*LinkPreview),
	}
}

type previewResponse struct {
	Status string `json:"status"`
	Data   struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		Image       *struct {
			URL string `json:"url"`
		} `json:"image"`
	} `json:"data"`
}

// Preview возвращает nil без ошибки, если превью нет (ни заголовка, ни картинки)
func (p *LinkPreviewer) Preview(ctx context.Context, link string) (*LinkPreview, error) {
	p.mu.Lock()
	if cached, ok := p.cache[link]; ok {
		p.mu.Unlock()
		return cached, nil
	}
	p.mu.Unlock()

	target, err := url.Parse(link)
	if err != nil {
		return nil, fmt.Errorf("invalid link %q: %w", link, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?url="+url.QueryEscape(link), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("link preview request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("link preview request failed: status %d", resp.StatusCode)
	}

	var body previewResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode link preview: %w", err)
	}

	var preview *LinkPreview
	if body.Status == "success" {
		image := ""
		if body.Data.Image != nil {
			image = body.Data.Image.URL
		}
		if body.Data.Title != "" || image != "" {
			preview = &LinkPreview{
				URL:         link,
				Title:       body.Data.Title,
				Description: body.Data.Description,
				Image:       image,
				Host:        target.Hostname(),
			}
		}
	}

	p.mu.Lock()
	p.cache[link] = preview
	p.mu.Unlock()
	return preview, nil
}
