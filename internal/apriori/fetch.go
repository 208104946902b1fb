package apriori

import (
	"context"
	"fmt"
	"log"

	"github.com/gocolly/colly/v2"
)

// Fetcher downloads a resource body.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

const userAgent = "oupgrade-apriori/1.0 (+https://github.com/dejo1307/oupgrade)"

// CollyFetcher downloads through a fresh colly collector per request.
type CollyFetcher struct {
	UserAgent string
}

// Get fetches url, following redirects. Non-2xx responses are errors.
func (f CollyFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := colly.NewCollector(colly.StdlibContext(ctx))
	c.UserAgent = userAgent
	if f.UserAgent != "" {
		c.UserAgent = f.UserAgent
	}

	var (
		body    []byte
		failure error
	)
	c.OnResponse(func(r *colly.Response) {
		body = r.Body
	})
	c.OnError(func(r *colly.Response, err error) {
		log.Printf("[apriori] request %s failed with status %d: %v", r.Request.URL, r.StatusCode, err)
		failure = fmt.Errorf("status %d: %w", r.StatusCode, err)
	})

	if err := c.Visit(url); err != nil {
		if failure != nil {
			return nil, failure
		}
		return nil, fmt.Errorf("visiting %s: %w", url, err)
	}
	c.Wait()
	if failure != nil {
		return nil, failure
	}
	return body, nil
}
