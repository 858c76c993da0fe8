// Package httpapi implements the source adapter for public JSON APIs: an
// unauthenticated index endpoint listing downloadable documents, fetched by
// plain GET.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/tinwald/claimpull/internal/source"
)

type Adapter struct {
	sourceType string
	baseURL    *url.URL
	http       *http.Client
}

// New builds an adapter serving sourceType against baseURL. The index is
// expected at <baseURL>/files.
func New(sourceType, baseURL string) (*Adapter, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Adapter{
		sourceType: sourceType,
		baseURL:    u,
		http:       &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

var _ source.Adapter = (*Adapter)(nil)

func (a *Adapter) Type() string { return a.sourceType }

// Authenticate is a no-op: the API is public.
func (a *Adapter) Authenticate(ctx context.Context, _ source.Credentials) (source.AuthResult, error) {
	return source.AuthResult{}, nil
}

// indexEntry is one document in the remote index response.
type indexEntry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

func (a *Adapter) ListItems(ctx context.Context, params source.Params) ([]source.ItemInfo, error) {
	u := *a.baseURL
	u.Path, _ = url.JoinPath(u.Path, "files")
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, source.NewError(source.ClassTransient, "list request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, source.NewError(source.ClassifyStatus(resp.StatusCode),
			fmt.Sprintf("list returned %d", resp.StatusCode), nil)
	}

	var entries []indexEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, source.NewError(source.ClassTransient, "decode index", err)
	}
	items := make([]source.ItemInfo, 0, len(entries))
	for _, e := range entries {
		items = append(items, source.ItemInfo{
			Name:     e.Name,
			Locator:  e.URL,
			Type:     e.Type,
			SizeHint: e.Size,
		})
	}
	return items, nil
}

// Fetch streams the item to dest. It writes through a .part file and renames
// on success so a completed path never holds a partial download.
func (a *Adapter) Fetch(ctx context.Context, item source.ItemInfo, dest string) (source.FetchResult, error) {
	target, err := a.resolve(item.Locator)
	if err != nil {
		return source.FetchResult{}, source.NewError(source.ClassValidation, "bad locator", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return source.FetchResult{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return source.FetchResult{}, source.NewError(source.ClassTransient, "fetch request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return source.FetchResult{}, source.NewError(source.ClassifyStatus(resp.StatusCode),
			fmt.Sprintf("fetch returned %d", resp.StatusCode), nil)
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return source.FetchResult{}, source.NewError(source.ClassResource, "create file", err)
	}
	n, err := io.Copy(out, resp.Body)
	cerr := out.Close()
	if err != nil {
		_ = os.Remove(part)
		return source.FetchResult{}, source.NewError(source.ClassTransient, "stream body", err)
	}
	if cerr != nil {
		_ = os.Remove(part)
		return source.FetchResult{}, source.NewError(source.ClassResource, "close file", cerr)
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return source.FetchResult{}, source.NewError(source.ClassResource, "finalize file", err)
	}
	return source.FetchResult{BytesWritten: n}, nil
}

// sizeTolerance is the accepted relative deviation from the index size hint.
const sizeTolerance = 0.10

func (a *Adapter) Validate(path string, item source.ItemInfo) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Size() == 0 {
		return fmt.Errorf("empty download: %s", item.Name)
	}
	if item.SizeHint > 0 {
		diff := float64(fi.Size()-item.SizeHint) / float64(item.SizeHint)
		if diff < -sizeTolerance || diff > sizeTolerance {
			return fmt.Errorf("size %d outside tolerance of %d for %s", fi.Size(), item.SizeHint, item.Name)
		}
	}
	return nil
}

func (a *Adapter) resolve(locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return locator, nil
	}
	return a.baseURL.ResolveReference(u).String(), nil
}
