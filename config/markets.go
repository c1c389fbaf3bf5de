package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"marketOpenBot/internal/domain"
	"marketOpenBot/internal/ports"
)

const defaultMarketTimeout = 5400 * time.Second

// Catalogue maps a market key (london, ny, ...) to its instrument settings.
type Catalogue map[string]domain.MarketSpec

type marketEntry struct {
	domain.MarketSpec `yaml:",inline"`
	TimeoutSeconds    int `yaml:"timeout_seconds"`
}

// DefaultMarkets is used when no catalogue file exists.
func DefaultMarkets() Catalogue {
	return Catalogue{
		"london":    {Name: "london", Epic: "IX.D.FTSE.DAILY.IP", StrategyName: "LONDON OPEN", Timeout: defaultMarketTimeout, MaxSpread: 2.0, MinSize: 0.01, RiskScale: 1.0},
		"ny":        {Name: "ny", Epic: "IX.D.SPTRD.DAILY.IP", StrategyName: "NY OPEN", Timeout: defaultMarketTimeout, MaxSpread: 1.6, MinSize: 0.01, RiskScale: 1.0},
		"nikkei":    {Name: "nikkei", Epic: "IX.D.NIKKEI.DAILY.IP", StrategyName: "NIKKEI OPEN", Timeout: defaultMarketTimeout, MaxSpread: 8.0, MinSize: 0.01, RiskScale: 1.0},
		"germany":   {Name: "germany", Epic: "IX.D.DAX.DAILY.IP", StrategyName: "DAX OPEN", Timeout: defaultMarketTimeout, MaxSpread: 2.5, MinSize: 0.01, RiskScale: 1.0},
		"australia": {Name: "australia", Epic: "IX.D.ASX.MONTH1.IP", StrategyName: "ASX OPEN", Timeout: defaultMarketTimeout, MaxSpread: 3.0, MinSize: 0.01, RiskScale: 1.0},
		"us_tech":   {Name: "us_tech", Epic: "IX.D.NASDAQ.CASH.IP", StrategyName: "NASDAQ OPEN", Timeout: defaultMarketTimeout, MaxSpread: 2.0, MinSize: 0.01, RiskScale: 1.0},
	}
}

// LoadMarkets reads a YAML catalogue from path. A missing file yields DefaultMarkets.
func LoadMarkets(path string) (Catalogue, error) {
	op := "LoadMarkets"
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultMarkets(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrConfigurationError, err)
	}
	return ParseMarkets(data)
}

// ParseMarkets decodes a YAML catalogue and fills defaults.
func ParseMarkets(data []byte) (Catalogue, error) {
	op := "ParseMarkets"
	var raw map[string]marketEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrConfigurationError, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s failed: %w: catalogue is empty", op, ports.ErrConfigurationError)
	}

	cat := make(Catalogue, len(raw))
	var errs []error
	for key, e := range raw {
		spec := e.MarketSpec
		spec.Name = key
		if spec.Epic == "" {
			errs = append(errs, fmt.Errorf("market %s: epic is required", key))
		}
		if spec.MaxSpread < 0 || spec.MinSize < 0 || spec.RiskScale < 0 || e.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("market %s: numeric settings cannot be negative", key))
		}
		spec.Timeout = defaultMarketTimeout
		if e.TimeoutSeconds > 0 {
			spec.Timeout = time.Duration(e.TimeoutSeconds) * time.Second
		}
		if spec.RiskScale == 0 {
			spec.RiskScale = 1.0
		}
		if spec.StrategyName == "" {
			spec.StrategyName = key
		}
		cat[key] = spec
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %w", op, ports.ErrConfigurationError, err)
	}
	return cat, nil
}

// Select returns the specs for keys in order, failing on any unknown key.
func (c Catalogue) Select(keys []string) ([]domain.MarketSpec, error) {
	out := make([]domain.MarketSpec, 0, len(keys))
	var unknown []string
	for _, k := range keys {
		spec, ok := c[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		out = append(out, spec)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown markets %v (known: %v)", ports.ErrConfigurationError, unknown, c.keys())
	}
	return out, nil
}

func (c Catalogue) keys() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
