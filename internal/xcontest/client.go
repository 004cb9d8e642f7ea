// Package xcontest scrapes the XContest flight search for flights
// started from one takeoff.
package xcontest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/PuerkitoBio/goquery"

	"github.com/suspectuso/cashier/internal/ledger"
	"github.com/suspectuso/cashier/internal/reconcile"
)

// PageSize is the fixed number of rows on one search page
const PageSize = 50

// Client is an XContest flight search client
type Client struct {
	baseURL    string
	takeoff    string
	userAgent  string
	httpClient *http.Client
	location   *time.Location
	pageDelay  time.Duration
	now        func() time.Time
}

// NewClient creates a new XContest client. takeoff is the "lon lat" point
// flights must start from.
func NewClient(baseURL, takeoff, userAgent string, timeout time.Duration) (*Client, error) {
	loc, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}

	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		takeoff:   takeoff,
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		location:  loc,
		pageDelay: 2 * time.Second,
		now:       time.Now,
	}, nil
}

// FetchFlightsWithin returns flights started from the takeoff on each of the
// last windowDays days, today included.
func (c *Client) FetchFlightsWithin(ctx context.Context, windowDays int) ([]ledger.Flight, error) {
	if windowDays <= 0 {
		return nil, fmt.Errorf("window must be positive, got %d", windowDays)
	}

	today := c.now().In(c.location)
	seen := make(map[string]bool)

	var flights []ledger.Flight
	for d := windowDays - 1; d >= 0; d-- {
		day := today.AddDate(0, 0, -d)

		dayFlights, err := c.FlightsOn(ctx, day)
		if err != nil {
			return nil, fmt.Errorf("%w: xcontest %s: %w", reconcile.ErrSourceUnavailable, day.Format("2006-01-02"), err)
		}

		for _, f := range dayFlights {
			if seen[f.FlightID] {
				continue
			}
			seen[f.FlightID] = true
			flights = append(flights, f)
		}
	}

	return flights, nil
}

// FlightsOn downloads every page of flights started on the given day
func (c *Client) FlightsOn(ctx context.Context, day time.Time) ([]ledger.Flight, error) {
	var flights []ledger.Flight

	for offset := 0; ; offset += PageSize {
		doc, err := c.searchPage(ctx, day, offset)
		if err != nil {
			return nil, err
		}

		page, err := c.parseFlights(doc)
		if err != nil {
			return nil, err
		}
		flights = append(flights, page...)

		if !hasNextPage(doc) {
			return flights, nil
		}

		if err := c.sleep(ctx); err != nil {
			return nil, err
		}
	}
}

func (c *Client) searchURL(day time.Time, offset int) string {
	q := url.Values{}
	q.Set("list[sort]", "time_start")
	q.Set("list[dir]", "up")
	q.Set("list[start]", fmt.Sprint(offset))
	q.Set("filter[point]", c.takeoff)
	q.Set("filter[mode]", "START")
	q.Set("filter[date]", day.Format("2006-01-02"))
	q.Set("filter[date_mode]", "dmy")

	return c.baseURL + "/world/cs/vyhledavani-preletu/?" + q.Encode()
}

func (c *Client) searchPage(ctx context.Context, day time.Time, offset int) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL(day, offset), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/html")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return nil, fmt.Errorf("search error %d: %s", resp.StatusCode, string(body))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

func (c *Client) parseFlights(doc *goquery.Document) ([]ledger.Flight, error) {
	var (
		flights []ledger.Flight
		err     error
	)

	doc.Find(".flights tbody tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		href, ok := row.Find(".detail").Attr("href")
		if !ok {
			return true
		}

		var f ledger.Flight
		f, err = c.parseFlight(href, strings.TrimSpace(row.Find(".plt").Text()))
		if err != nil {
			return false
		}
		flights = append(flights, f)
		return true
	})

	return flights, err
}

// parseFlight reads the pilot and start time from a detail link such as
// /world/cs/prelety/detail:USER/17.5.2020/14:02
func (c *Client) parseFlight(href, pilotName string) (ledger.Flight, error) {
	link, err := c.absolute(href)
	if err != nil {
		return ledger.Flight{}, err
	}

	parts := strings.Split(strings.TrimSuffix(link.Path, "/"), "/")
	if len(parts) < 3 {
		return ledger.Flight{}, fmt.Errorf("unexpected flight link %q", href)
	}

	user, ok := strings.CutPrefix(parts[len(parts)-3], "detail:")
	if !ok || user == "" {
		return ledger.Flight{}, fmt.Errorf("no pilot in flight link %q", href)
	}

	started, err := time.ParseInLocation("2.1.2006 15:04", parts[len(parts)-2]+" "+parts[len(parts)-1], c.location)
	if err != nil {
		return ledger.Flight{}, fmt.Errorf("parse time in flight link %q: %w", href, err)
	}

	// keyed on the link path so a changed base url does not re-key stored flights
	return ledger.Flight{
		FlightID:   strings.Join(parts[len(parts)-3:], "/"),
		PilotID:    user,
		PilotName:  pilotName,
		Link:       link.String(),
		UploadedAt: started.UTC(),
	}, nil
}

func (c *Client) absolute(href string) (*url.URL, error) {
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, fmt.Errorf("parse flight link %q: %w", href, err)
	}
	return base.ResolveReference(ref), nil
}

// hasNextPage reports whether the pager continues past the current page.
// The current page is rendered as <strong>; the edge arrows are ignored.
func hasNextPage(doc *goquery.Document) bool {
	paging := doc.Find(".paging").First()
	if paging.Length() == 0 {
		return false
	}

	items := paging.Children().Not(".pg-edge")
	if items.Length() == 0 {
		return false
	}
	return goquery.NodeName(items.Last()) != "strong"
}

func (c *Client) sleep(ctx context.Context) error {
	if c.pageDelay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(c.pageDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
