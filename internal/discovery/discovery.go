package discovery

import (
	"context"
	"fmt"

	"github.com/tinwald/claimpull/internal/data"
	"github.com/tinwald/claimpull/internal/repo"
	"github.com/tinwald/claimpull/internal/source"
)

// Result is the partition of a remote listing against known history. It is
// computed once per run and immutable afterwards: execution totals never
// grow mid-run.
type Result struct {
	Items             []source.ItemInfo
	ToDownload        []source.ItemInfo
	AlreadyDownloaded []source.ItemInfo
	RetryFailed       []source.ItemInfo
}

// Total returns the number of distinct items discovered.
func (r *Result) Total() int { return len(r.Items) }

// Delta returns the items execution will actually fetch.
func (r *Result) Delta() []source.ItemInfo {
	out := make([]source.ItemInfo, 0, len(r.ToDownload)+len(r.RetryFailed))
	out = append(out, r.ToDownload...)
	out = append(out, r.RetryFailed...)
	return out
}

// Discover lists the remote items once and classifies each against the
// history lookup. The pass is read-only on both sides: a listing failure
// surfaces as an error with no partial result.
//
// Duplicate names in the remote listing are collapsed to their first
// occurrence, so a file is represented exactly once per session.
func Discover(ctx context.Context, ad source.Adapter, params source.Params, history repo.HistoryLookup) (*Result, error) {
	items, err := ad.ListItems(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("list remote items: %w", err)
	}

	res := &Result{}
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Name == "" || seen[item.Name] {
			continue
		}
		seen[item.Name] = true
		res.Items = append(res.Items, item)

		rec, err := history.History(ctx, ad.Type(), item.Name)
		if err != nil {
			return nil, fmt.Errorf("history lookup %q: %w", item.Name, err)
		}
		switch {
		case rec.Exists && rec.LastStatus == data.FileCompleted:
			res.AlreadyDownloaded = append(res.AlreadyDownloaded, item)
		case rec.Exists:
			res.RetryFailed = append(res.RetryFailed, item)
		default:
			res.ToDownload = append(res.ToDownload, item)
		}
	}
	return res, nil
}
