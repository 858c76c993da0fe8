package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/repo"
	"github.com/tinwald/claimpull/internal/source"
)

type stubAdapter struct {
	sourceType string
	listFn     func(ctx context.Context, params source.Params) ([]source.ItemInfo, error)
}

func (s *stubAdapter) Type() string { return s.sourceType }
func (s *stubAdapter) Authenticate(ctx context.Context, c source.Credentials) (source.AuthResult, error) {
	return source.AuthResult{}, nil
}
func (s *stubAdapter) ListItems(ctx context.Context, params source.Params) ([]source.ItemInfo, error) {
	return s.listFn(ctx, params)
}
func (s *stubAdapter) Fetch(ctx context.Context, item source.ItemInfo, dest string) (source.FetchResult, error) {
	return source.FetchResult{}, nil
}
func (s *stubAdapter) Validate(path string, item source.ItemInfo) error { return nil }

type stubHistory struct {
	records map[string]repo.HistoryRecord
	err     error
}

func (h *stubHistory) History(ctx context.Context, sourceType, filename string) (repo.HistoryRecord, error) {
	if h.err != nil {
		return repo.HistoryRecord{}, h.err
	}
	return h.records[filename], nil
}

func TestDiscover_Classification(t *testing.T) {
	ctx := context.Background()
	ad := &stubAdapter{sourceType: "claims", listFn: func(context.Context, source.Params) ([]source.ItemInfo, error) {
		return []source.ItemInfo{
			{Name: "new.pdf"},
			{Name: "done.pdf"},
			{Name: "failed.pdf"},
		}, nil
	}}
	history := &stubHistory{records: map[string]repo.HistoryRecord{
		"done.pdf":   {Exists: true, LastStatus: data.FileCompleted},
		"failed.pdf": {Exists: true, LastStatus: data.FileFailed},
	}}

	res, err := Discover(ctx, ad, nil, history)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.Total() != 3 {
		t.Fatalf("expected total 3, got %d", res.Total())
	}
	if len(res.ToDownload) != 1 || res.ToDownload[0].Name != "new.pdf" {
		t.Fatalf("unexpected to_download: %#v", res.ToDownload)
	}
	if len(res.AlreadyDownloaded) != 1 || res.AlreadyDownloaded[0].Name != "done.pdf" {
		t.Fatalf("unexpected already_downloaded: %#v", res.AlreadyDownloaded)
	}
	if len(res.RetryFailed) != 1 || res.RetryFailed[0].Name != "failed.pdf" {
		t.Fatalf("unexpected retry_failed: %#v", res.RetryFailed)
	}
	if got := len(res.Delta()); got != 2 {
		t.Fatalf("expected delta 2, got %d", got)
	}
	if res.Total() != len(res.AlreadyDownloaded)+len(res.ToDownload)+len(res.RetryFailed) {
		t.Fatalf("partition does not sum to total")
	}
}

func TestDiscover_DeduplicatesListing(t *testing.T) {
	ctx := context.Background()
	ad := &stubAdapter{sourceType: "claims", listFn: func(context.Context, source.Params) ([]source.ItemInfo, error) {
		return []source.ItemInfo{
			{Name: "a.pdf", Locator: "first"},
			{Name: "a.pdf", Locator: "second"},
			{Name: ""}, // nameless entries are dropped
		}, nil
	}}

	res, err := Discover(ctx, ad, nil, &stubHistory{})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.Total() != 1 {
		t.Fatalf("expected total 1, got %d", res.Total())
	}
	if res.Items[0].Locator != "first" {
		t.Fatalf("expected first occurrence kept, got %q", res.Items[0].Locator)
	}
}

func TestDiscover_ListError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("listing exploded")
	ad := &stubAdapter{sourceType: "claims", listFn: func(context.Context, source.Params) ([]source.ItemInfo, error) {
		return nil, boom
	}}

	res, err := Discover(ctx, ad, nil, &stubHistory{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped listing error, got %v", err)
	}
	if res != nil {
		t.Fatalf("expected no partial result, got %#v", res)
	}
}

func TestDiscover_HistoryError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")
	ad := &stubAdapter{sourceType: "claims", listFn: func(context.Context, source.Params) ([]source.ItemInfo, error) {
		return []source.ItemInfo{{Name: "a.pdf"}}, nil
	}}

	if _, err := Discover(ctx, ad, nil, &stubHistory{err: boom}); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped history error, got %v", err)
	}
}

func TestDiscover_Idempotent(t *testing.T) {
	ctx := context.Background()
	ad := &stubAdapter{sourceType: "claims", listFn: func(context.Context, source.Params) ([]source.ItemInfo, error) {
		return []source.ItemInfo{{Name: "a.pdf"}, {Name: "b.pdf"}}, nil
	}}
	history := &stubHistory{records: map[string]repo.HistoryRecord{
		"a.pdf": {Exists: true, LastStatus: data.FileCompleted},
	}}

	first, err := Discover(ctx, ad, nil, history)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	second, err := Discover(ctx, ad, nil, history)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if first.Total() != second.Total() ||
		len(first.ToDownload) != len(second.ToDownload) ||
		len(first.AlreadyDownloaded) != len(second.AlreadyDownloaded) {
		t.Fatalf("repeated discovery diverged: %#v vs %#v", first, second)
	}
}
