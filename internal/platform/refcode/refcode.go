// Package refcode generates batches of per-site referral codes for import
// into a REDCap project. Generation is pure: the same arguments always
// produce the same ordered batch.
package refcode

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// DefaultBatchSize is the number of codes generated per site when the
	// caller does not say otherwise.
	DefaultBatchSize = 100
	// DefaultSiteQty is the default number of sites.
	DefaultSiteQty = 5

	// MaxSites is bounded by the single-letter site encoding.
	MaxSites = 26
	// MaxBatchSize is bounded by the 4-digit sequence width.
	MaxBatchSize = 10000
)

// ErrInvalidBatch is returned when batch size or site count is out of range.
var ErrInvalidBatch = errors.New("invalid batch parameters")

// Record is one referral code row as REDCap expects it on import.
type Record struct {
	RecordID        string `json:"record_id"`
	DataAccessGroup string `json:"redcap_data_access_group"`
}

// Site is a referral site, identified by its ordinal letter.
type Site struct {
	Letter byte
}

// Code returns the site name used as the record id prefix, e.g. "SA".
func (s Site) Code() string {
	return "S" + string(rune(s.Letter))
}

// AccessGroup returns the REDCap data access group for the site.
func (s Site) AccessGroup() string {
	return strings.ToLower(s.Code())
}

// Sites returns the first n sites in ascending letter order.
func Sites(n int) ([]Site, error) {
	if n < 0 || n > MaxSites {
		return nil, fmt.Errorf("%w: site count %d not in 0..%d", ErrInvalidBatch, n, MaxSites)
	}
	sites := make([]Site, 0, n)
	for i := 0; i < n; i++ {
		sites = append(sites, Site{Letter: byte('A' + i)})
	}
	return sites, nil
}

// Generate returns batchSize records for each of siteCount sites, grouped
// by site in letter order with sequence numbers 0..batchSize-1.
func Generate(batchSize, siteCount int) ([]Record, error) {
	if batchSize < 0 || batchSize > MaxBatchSize {
		return nil, fmt.Errorf("%w: batch size %d not in 0..%d", ErrInvalidBatch, batchSize, MaxBatchSize)
	}
	sites, err := Sites(siteCount)
	if err != nil {
		return nil, err
	}

	batch := make([]Record, 0, batchSize*siteCount)
	for _, site := range sites {
		code, group := site.Code(), site.AccessGroup()
		for n := 0; n < batchSize; n++ {
			batch = append(batch, Record{
				RecordID:        fmt.Sprintf("%s-%04d", code, n),
				DataAccessGroup: group,
			})
		}
	}
	return batch, nil
}
