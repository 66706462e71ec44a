package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/carepath-ai/pipeline/pkg/common/httpclient"
	"github.com/carepath-ai/pipeline/pkg/common/logger"
	"github.com/carepath-ai/pipeline/pkg/metapatient"
)

// Options configures the FHIR search client. The client is an explicitly
// passed handle: nothing here lives in package state.
type Options struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
	PageSize     int
	MaxPages     int
	Retries      int
	Cache        *PageCache
}

// Client runs paged FHIR searches against one server. It deliberately stays
// thin: sequential paging over Bundle next links, token auth, retry on
// transient failures.
type Client struct {
	baseURL  string
	http     *http.Client
	cache    *PageCache
	pageSize int
	maxPages int
	retries  int
}

func NewClient(ctx context.Context, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	base := httpclient.New(timeout)
	httpClient := base
	if opts.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			Scopes:       opts.Scopes,
		}
		httpClient = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
		httpClient.Timeout = timeout
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 500
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = 3
	}

	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     httpClient,
		cache:    opts.Cache,
		pageSize: pageSize,
		maxPages: opts.MaxPages,
		retries:  retries,
	}
}

// Search runs a paged search for the resource type and returns all entry
// resources across pages.
func (c *Client) Search(ctx context.Context, resourceType string, params url.Values) ([]Resource, error) {
	query := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	if query.Get("_count") == "" {
		query.Set("_count", strconv.Itoa(c.pageSize))
	}

	pageURL := fmt.Sprintf("%s/%s?%s", c.baseURL, resourceType, query.Encode())

	var resources []Resource
	pages := 0
	for pageURL != "" {
		bundle, err := c.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, fmt.Errorf("searching %s: %w", resourceType, err)
		}
		resources = append(resources, bundle.Resources()...)

		pages++
		if c.maxPages > 0 && pages >= c.maxPages {
			break
		}
		pageURL = bundle.NextURL()
	}

	logger.Log.WithFields(map[string]interface{}{
		"resource_type": resourceType,
		"pages":         pages,
		"resources":     len(resources),
	}).Debug("FHIR search completed")

	return resources, nil
}

func (c *Client) fetchPage(ctx context.Context, pageURL string) (*Bundle, error) {
	if c.cache != nil {
		if body, ok := c.cache.Get(ctx, pageURL); ok {
			return decodeBundle(body)
		}
	}

	var body []byte
	err := httpclient.Retry(ctx, c.retries, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/fhir+json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return &httpclient.StatusError{Code: resp.StatusCode, URL: pageURL}
		}

		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.Set(ctx, pageURL, body)
	}
	return decodeBundle(body)
}

func decodeBundle(body []byte) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	if bundle.ResourceType != "" && bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("expected Bundle, got %s", bundle.ResourceType)
	}
	return &bundle, nil
}

// PatientLinks implements metapatient.LinkSource via the Patient link
// search: one search per input id, each hit becoming an origin LinkRecord
// carrying its declared link references and demographics.
func (c *Client) PatientLinks(ctx context.Context, patientIDs []string) ([]metapatient.LinkRecord, error) {
	records := make([]metapatient.LinkRecord, 0, len(patientIDs))
	for _, id := range patientIDs {
		resources, err := c.Search(ctx, "Patient", url.Values{"link": {id}})
		if err != nil {
			return nil, fmt.Errorf("patient link search for %s: %w", id, err)
		}
		for _, res := range resources {
			records = append(records, metapatient.LinkRecord{
				PatientID:    res.GetString("id"),
				Links:        res.GetStrings("link.other.reference"),
				BirthDate:    res.GetString("birthDate"),
				Sex:          res.GetString("gender"),
				DeceasedDate: res.GetString("deceasedDateTime"),
				Origin:       true,
			})
		}
	}
	return records, nil
}
