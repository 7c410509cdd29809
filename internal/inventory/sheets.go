// Package inventory searches the gemstone stock list published as a public
// Google Sheets CSV export.
package inventory

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lapidaryhq/concierge/pkg/logging"
)

var tracer = otel.Tracer("internal/inventory")

// Item is one stock row from the sheet.
type Item struct {
	Gemstone    string  `json:"gemstone"`
	CaratWeight float64 `json:"carat_weight"`
	SinglePair  string  `json:"single_pair"`
	Shape       string  `json:"shape"`
	Origin      string  `json:"origin"`
	Treatment   string  `json:"treatment"`
	Color       string  `json:"color"`
	Clarity     string  `json:"clarity"`
	PricePerCt  string  `json:"price_per_ct"`
	Report      string  `json:"report"`
	Link        string  `json:"link"`
	Photo       string  `json:"photo"`
	Video       string  `json:"video"`
}

// Query narrows a stock search. Zero-valued bounds are ignored; Target
// overrides SortAscending.
type Query struct {
	Gemstone      string
	CaratMin      *float64
	CaratMax      *float64
	Pair          bool
	Target        *float64
	SortAscending bool
}

// Searcher answers stock queries. *SheetsClient satisfies it.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Item, error)
}

// SheetsClient fetches the sheet's CSV export on every search. The sheet is
// small and hand-maintained, so freshness beats caching.
type SheetsClient struct {
	sheetID    string
	gid        string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// SheetsOption customizes a SheetsClient.
type SheetsOption func(*SheetsClient)

// WithBaseURL overrides the docs.google.com root, for tests.
func WithBaseURL(u string) SheetsOption {
	return func(c *SheetsClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(h *http.Client) SheetsOption {
	return func(c *SheetsClient) { c.httpClient = h }
}

// NewSheetsClient builds a client for the given public sheet. gid selects
// the tab; "0" is the first one.
func NewSheetsClient(sheetID, gid string, logger *logging.Logger, opts ...SheetsOption) *SheetsClient {
	if logger == nil {
		logger = logging.Default()
	}
	if gid == "" {
		gid = "0"
	}
	c := &SheetsClient{
		sheetID:    sheetID,
		gid:        gid,
		baseURL:    "https://docs.google.com",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Searcher = (*SheetsClient)(nil)

// Search fetches the sheet and returns rows matching q, sorted by target
// proximity or ascending carat weight when requested.
func (c *SheetsClient) Search(ctx context.Context, q Query) ([]Item, error) {
	ctx, span := tracer.Start(ctx, "inventory.search", trace.WithAttributes(
		attribute.String("inventory.gemstone", q.Gemstone),
		attribute.Bool("inventory.pair", q.Pair),
	))
	defer span.End()

	rows, err := c.fetchRows(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	wantGem := strings.ToLower(strings.TrimSpace(q.Gemstone))
	wantType := "single"
	if q.Pair {
		wantType = "pair"
	}

	var results []Item
	for _, row := range rows {
		if strings.ToLower(strings.TrimSpace(row["Gemstone"])) != wantGem {
			continue
		}
		if strings.ToLower(strings.TrimSpace(row["Single/Pair"])) != wantType {
			continue
		}
		carat, err := strconv.ParseFloat(strings.TrimSpace(row["Carat weight"]), 64)
		if err != nil {
			continue
		}
		if q.CaratMin != nil && carat < *q.CaratMin {
			continue
		}
		if q.CaratMax != nil && carat > *q.CaratMax {
			continue
		}
		results = append(results, Item{
			Gemstone:    row["Gemstone"],
			CaratWeight: carat,
			SinglePair:  row["Single/Pair"],
			Shape:       row["Shape"],
			Origin:      row["Origin"],
			Treatment:   row["Treatment"],
			Color:       row["Color"],
			Clarity:     row["Clarity"],
			PricePerCt:  row["Price per ct"],
			Report:      row["Report"],
			Link:        row["Link"],
			Photo:       row["Photo"],
			Video:       row["Video"],
		})
	}

	switch {
	case q.Target != nil:
		target := *q.Target
		sort.SliceStable(results, func(i, j int) bool {
			return math.Abs(results[i].CaratWeight-target) < math.Abs(results[j].CaratWeight-target)
		})
	case q.SortAscending:
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].CaratWeight < results[j].CaratWeight
		})
	}

	c.logger.Info("inventory search", "gemstone", wantGem, "pair", q.Pair, "matches", len(results))
	return results, nil
}

func (c *SheetsClient) fetchRows(ctx context.Context) ([]map[string]string, error) {
	u := fmt.Sprintf("%s/spreadsheets/d/%s/export?format=csv&gid=%s", c.baseURL, c.sheetID, c.gid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("inventory: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inventory: fetch sheet: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inventory: sheet export returned status %d", resp.StatusCode)
	}

	reader := csv.NewReader(resp.Body)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inventory: read header: %w", err)
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("inventory: read row: %w", err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
