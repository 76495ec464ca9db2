package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// ChromeExtractor renders a URL in headless Chrome and emits the page as
// markdown (title heading plus readable body text). It is one backend behind
// the parse cache; the cache never depends on it.
type ChromeExtractor struct {
	timeout time.Duration
}

func NewChromeExtractor(timeout time.Duration) *ChromeExtractor {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChromeExtractor{timeout: timeout}
}

func (e *ChromeExtractor) ExtractURL(ctx context.Context, rawURL string) (string, error) {
	parsed, err := ValidatePublicURL(rawURL)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var title string
	var bodyText string
	err = chromedp.Run(browserCtx,
		chromedp.Navigate(parsed.String()),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Title(&title),
		chromedp.ActionFunc(func(ctx context.Context) error {
			// Confirm the DOM actually materialized before reading text;
			// pages that never produce a document come back as upstream
			// failures instead of empty markdown.
			root, err := dom.GetDocument().Do(ctx)
			if err != nil {
				return err
			}
			if root == nil || root.NodeID == 0 {
				return fmt.Errorf("no document rendered")
			}
			return chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &bodyText).Do(ctx)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", parsed.Host, err)
	}

	return pageToMarkdown(title, bodyText), nil
}

func pageToMarkdown(title, body string) string {
	var b strings.Builder
	title = strings.TrimSpace(title)
	if title != "" {
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, " \t")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
