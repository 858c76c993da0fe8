// Package portal implements the source adapter for authenticated provider
// portals: a form login that yields a bearer token, a document index
// endpoint, and token-authenticated downloads. The adapter re-authenticates
// transparently when the portal expires the token mid-session.
package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tinwald/claimpull/internal/source"
)

type Adapter struct {
	sourceType string
	baseURL    *url.URL
	http       *http.Client

	mu    sync.Mutex
	creds source.Credentials
	token string
}

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

type loginResponse struct {
	Token string `json:"token"`
}

// Authenticate posts the login form and keeps the returned token for later
// calls. Credentials are retained so Fetch can re-login when the portal
// expires the token.
func (a *Adapter) Authenticate(ctx context.Context, creds source.Credentials) (source.AuthResult, error) {
	a.mu.Lock()
	a.creds = creds
	a.mu.Unlock()
	token, err := a.login(ctx, creds)
	if err != nil {
		return source.AuthResult{}, err
	}
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()
	return source.AuthResult{Token: token}, nil
}

func (a *Adapter) login(ctx context.Context, creds source.Credentials) (string, error) {
	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("login"), strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := a.http.Do(req)
	if err != nil {
		return "", source.NewError(source.ClassTransient, "login request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", source.NewError(source.ClassAuth, "portal rejected credentials", nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", source.NewError(source.ClassifyStatus(resp.StatusCode),
			fmt.Sprintf("login returned %d", resp.StatusCode), nil)
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", source.NewError(source.ClassTransient, "decode login response", err)
	}
	if lr.Token == "" {
		return "", source.NewError(source.ClassAuth, "portal returned no session token", nil)
	}
	return lr.Token, nil
}

// documentEntry is one row of the portal's document index.
type documentEntry struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Category string `json:"category"`
	Bytes    int64  `json:"bytes"`
}

func (a *Adapter) ListItems(ctx context.Context, params source.Params) ([]source.ItemInfo, error) {
	var entries []documentEntry
	err := a.withAuth(ctx, func(token string) error {
		u, err := url.Parse(a.endpoint("documents"))
		if err != nil {
			return err
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := a.http.Do(req)
		if err != nil {
			return source.NewError(source.ClassTransient, "list request", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return source.NewError(source.ClassifyStatus(resp.StatusCode),
				fmt.Sprintf("list returned %d", resp.StatusCode), nil)
		}
		entries = entries[:0]
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return source.NewError(source.ClassTransient, "decode document index", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	items := make([]source.ItemInfo, 0, len(entries))
	for _, e := range entries {
		items = append(items, source.ItemInfo{
			Name:     e.Filename,
			Locator:  e.Path,
			Type:     e.Category,
			SizeHint: e.Bytes,
		})
	}
	return items, nil
}

func (a *Adapter) Fetch(ctx context.Context, item source.ItemInfo, dest string) (source.FetchResult, error) {
	var written int64
	err := a.withAuth(ctx, func(token string) error {
		loc, err := url.Parse(item.Locator)
		if err != nil {
			return source.NewError(source.ClassValidation, "bad locator", err)
		}
		target := item.Locator
		if !loc.IsAbs() {
			target = a.baseURL.ResolveReference(loc).String()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := a.http.Do(req)
		if err != nil {
			return source.NewError(source.ClassTransient, "fetch request", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return source.NewError(source.ClassifyStatus(resp.StatusCode),
				fmt.Sprintf("fetch returned %d", resp.StatusCode), nil)
		}

		part := dest + ".part"
		out, err := os.Create(part)
		if err != nil {
			return source.NewError(source.ClassResource, "create file", err)
		}
		written, err = io.Copy(out, resp.Body)
		cerr := out.Close()
		if err != nil {
			_ = os.Remove(part)
			return source.NewError(source.ClassTransient, "stream body", err)
		}
		if cerr != nil {
			_ = os.Remove(part)
			return source.NewError(source.ClassResource, "close file", cerr)
		}
		if err := os.Rename(part, dest); err != nil {
			_ = os.Remove(part)
			return source.NewError(source.ClassResource, "finalize file", err)
		}
		return nil
	})
	if err != nil {
		return source.FetchResult{}, err
	}
	return source.FetchResult{BytesWritten: written}, nil
}

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

// withAuth runs fn with the current token, logging in first when there is
// none and retrying once after an auth rejection in case the token expired.
// A rejection straight after a fresh login is a real credential failure.
func (a *Adapter) withAuth(ctx context.Context, fn func(token string) error) error {
	a.mu.Lock()
	token := a.token
	creds := a.creds
	a.mu.Unlock()

	freshLogin := false
	if token == "" {
		t, err := a.login(ctx, creds)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.token = t
		a.mu.Unlock()
		token = t
		freshLogin = true
	}

	err := fn(token)
	if err == nil || freshLogin || source.Classify(err) != source.ClassAuth {
		return err
	}

	t, lerr := a.login(ctx, creds)
	if lerr != nil {
		return lerr
	}
	a.mu.Lock()
	a.token = t
	a.mu.Unlock()
	return fn(t)
}

func (a *Adapter) endpoint(p string) string {
	u := *a.baseURL
	u.Path, _ = url.JoinPath(u.Path, p)
	return u.String()
}
