// Package lookup queries the cloud relay service for the addresses a device
// announced and turns them into an ordered candidate set.
package lookup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"nas-connector/pkg/common"
	"nas-connector/pkg/fetch"
	"nas-connector/pkg/models"
)

// Fetcher is the subset of fetch.Client used by the enumerator.
type Fetcher interface {
	Do(ctx context.Context, req fetch.Request) (*fetch.Result, error)
}

// Config controls where and how the lookup document is read.
type Config struct {
	// Domain is appended to the identity: https://{identity}.{Domain}/
	Domain string
	// MarkerPattern matches the text right before the embedded JSON object.
	MarkerPattern string
	// DDNSTemplate is a format string with a single %s for the identity.
	DDNSTemplate  string
	InvalidErrnos []int
	Timeout       time.Duration
	// BaseURL overrides the lookup URL template; %s is the identity.
	BaseURL string
}

// payload is the embedded server info object.
type payload struct {
	LANIPs   []string `json:"lan_ips_http"`
	WANIP    *string  `json:"wan_ip_http"`
	RelayURL *string  `json:"relay_url"`
	Errno    int      `json:"errno"`
}

// Enumerator produces candidate sets for device identities.
type Enumerator struct {
	fetcher Fetcher
	config  Config
	marker  *regexp.Regexp
	logger  *slog.Logger
}

// NewEnumerator validates cfg and builds an Enumerator.
func NewEnumerator(fetcher Fetcher, cfg Config, logger *slog.Logger) (*Enumerator, error) {
	marker, err := regexp.Compile(cfg.MarkerPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid marker pattern: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://%s." + cfg.Domain + "/"
	}
	return &Enumerator{
		fetcher: fetcher,
		config:  cfg,
		marker:  marker,
		logger:  logger,
	}, nil
}

// Enumerate fetches the lookup document for identity and builds its
// candidates: LAN addresses, the DDNS address, then WAN and relay if known.
func (e *Enumerator) Enumerate(ctx context.Context, identity string) (models.CandidateSet, error) {
	identity = strings.TrimSpace(identity)
	if !models.ValidIdentity(identity) {
		return models.CandidateSet{}, fmt.Errorf("%w: %q", common.ErrInvalidIdentity, identity)
	}

	res, err := e.fetcher.Do(ctx, fetch.Request{
		URL:     fmt.Sprintf(e.config.BaseURL, identity),
		Timeout: e.config.Timeout,
	})
	if err != nil {
		return models.CandidateSet{}, fmt.Errorf("%w: lookup %s: %v", common.ErrNetwork, identity, err)
	}
	if res.StatusCode != http.StatusOK {
		return models.CandidateSet{}, fmt.Errorf("%w: lookup %s: status %d", common.ErrNetwork, identity, res.StatusCode)
	}

	p, err := e.extract(res.Body)
	if err != nil {
		return models.CandidateSet{}, err
	}

	if slices.Contains(e.config.InvalidErrnos, p.Errno) {
		return models.CandidateSet{}, fmt.Errorf("%w: %s (errno %d)", common.ErrInvalidIdentity, identity, p.Errno)
	}
	if p.Errno != 0 {
		e.logger.Debug("Lookup reported error code", "identity", identity, "errno", p.Errno)
	}

	set := models.CandidateSet{Identity: identity, Errno: p.Errno}
	seen := make(map[string]bool)
	add := func(address string, origin models.Origin) {
		address = fetch.NormalizeBase(address)
		if address == "" || seen[address] {
			return
		}
		seen[address] = true
		set.Candidates = append(set.Candidates, models.Candidate{Address: address, Origin: origin})
	}

	for _, lan := range p.LANIPs {
		add(lan, models.OriginLAN)
	}
	add(e.DDNSAddress(identity), models.OriginDDNS)
	if p.WANIP != nil {
		add(*p.WANIP, models.OriginWAN)
	}
	if p.RelayURL != nil {
		add(*p.RelayURL, models.OriginRelay)
	}

	e.logger.Debug("Enumerated candidates", "identity", identity, "candidates", set.Addresses())
	return set, nil
}

// DDNSAddress derives the dynamic DNS address from the identity alone.
func (e *Enumerator) DDNSAddress(identity string) string {
	return fmt.Sprintf(e.config.DDNSTemplate, identity)
}

// extract locates the marker and decodes the single JSON value after it.
// Anything following the object is ignored.
func (e *Enumerator) extract(doc []byte) (payload, error) {
	var p payload

	loc := e.marker.FindIndex(doc)
	if loc == nil {
		return p, fmt.Errorf("%w: marker %q not found", common.ErrParseFailure, e.config.MarkerPattern)
	}

	dec := json.NewDecoder(bytes.NewReader(doc[loc[1]:]))
	if err := dec.Decode(&p); err != nil {
		return p, fmt.Errorf("%w: %v", common.ErrParseFailure, err)
	}
	return p, nil
}
