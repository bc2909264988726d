package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/metalgrid/regiond/cmd/regiond/models"
)

// StreamFetcher downloads image descriptors from a boot source's streams
// endpoint over HTTP.
type StreamFetcher struct {
	client *http.Client
}

func NewStreamFetcher() *StreamFetcher {
	return &StreamFetcher{
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

type streamProduct struct {
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	SubArch        string `json:"subarch"`
	Release        string `json:"release"`
	KFlavor        string `json:"kflavor"`
	Label          string `json:"label"`
	Title          string `json:"release_title"`
	SupportEOL     string `json:"support_eol"`
	BootloaderType string `json:"bootloader-type"`
}

// Fetch implements SourceFetcher.
func (f *StreamFetcher) Fetch(ctx context.Context, src models.BootSource) ([]models.ImageDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", src.URL, resp.Status)
	}

	var index struct {
		Products map[string]streamProduct `json:"products"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return nil, fmt.Errorf("decode %s: %w", src.URL, err)
	}

	descriptors := make([]models.ImageDescriptor, 0, len(index.Products))
	for _, p := range index.Products {
		d := models.ImageDescriptor{
			ImageSpec: models.ImageSpec{
				OS:      p.OS,
				Arch:    p.Arch,
				SubArch: p.SubArch,
				Release: p.Release,
				KFlavor: p.KFlavor,
				Label:   p.Label,
			},
			Title:          p.Title,
			BootloaderType: p.BootloaderType,
		}
		if p.SupportEOL != "" {
			if eol, err := time.Parse("2006-01-02", p.SupportEOL); err == nil {
				d.SupportEOL = eol
			}
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}
