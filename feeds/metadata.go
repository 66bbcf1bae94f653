package feeds

import (
	"context"
	"fmt"
	"sort"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/keeper/types"
)

const DefaultMetadataURL = "https://metadata.perp.exchange/production.json"

// contractSuffixLen is the quote suffix trimmed from AMM contract keys ("ETHUSDC" -> "ETH").
const contractSuffixLen = 4

type metadataDoc struct {
	Layers struct {
		Layer2 struct {
			Contracts map[string]struct {
				Name    string `json:"name"`
				Address string `json:"address"`
			} `json:"contracts"`
		} `json:"layer2"`
	} `json:"layers"`
}

// MetadataClient loads the tradable asset universe.
type MetadataClient struct {
	http *resty.Client
	url  string
}

// NewMetadataClient creates a metadata client.
func NewMetadataClient(url string, retries int) *MetadataClient {
	return &MetadataClient{http: newHTTPClient(retries), url: url}
}

// FetchAssets returns every AMM contract as an unpriced asset, sorted by name.
func (m *MetadataClient) FetchAssets(ctx context.Context) ([]types.Asset, error) {
	var doc metadataDoc
	resp, err := m.http.R().
		SetContext(ctx).
		SetResult(&doc).
		ForceContentType("application/json").
		Get(m.url)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("metadata returned status %d", resp.StatusCode())
	}

	assets := make([]types.Asset, 0, len(doc.Layers.Layer2.Contracts))
	for key, c := range doc.Layers.Layer2.Contracts {
		if c.Name != "Amm" || len(key) <= contractSuffixLen {
			continue
		}
		assets = append(assets, types.Asset{
			Name:    key[:len(key)-contractSuffixLen],
			Address: c.Address,
		})
	}
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })

	log.Debug().Int("assets", len(assets)).Msg("📚 Asset universe loaded")
	return assets, nil
}
