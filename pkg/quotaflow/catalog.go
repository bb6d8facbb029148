package quotaflow

// LimitCatalog is the read-only mapping from tier to base limit per quota
// dimension. It is supplied externally and fully validated at construction;
// lookups after that cannot fail for known tiers and dimensions.
type LimitCatalog struct {
	limits map[Tier]map[Dimension]int64
}

// NewLimitCatalog builds a catalog from the given limits and validates it:
// every tier must carry a strictly positive limit for every dimension.
// A gap is a ConfigurationError and should abort startup.
func NewLimitCatalog(limits map[Tier]map[Dimension]int64) (*LimitCatalog, error) {
	for _, tier := range []Tier{Tier1, Tier2, Tier3} {
		dims, ok := limits[tier]
		if !ok {
			return nil, &ConfigurationError{Tier: tier, Reason: "no limits configured"}
		}
		for _, dim := range Dimensions() {
			limit, ok := dims[dim]
			if !ok {
				return nil, &ConfigurationError{Tier: tier, Dimension: dim, Reason: "no base limit"}
			}
			if limit <= 0 {
				return nil, &ConfigurationError{Tier: tier, Dimension: dim, Reason: "base limit must be positive"}
			}
		}
	}

	// Deep-copy so later mutation of the input map cannot change the catalog.
	copied := make(map[Tier]map[Dimension]int64, len(limits))
	for tier, dims := range limits {
		inner := make(map[Dimension]int64, len(dims))
		for dim, limit := range dims {
			inner[dim] = limit
		}
		copied[tier] = inner
	}

	return &LimitCatalog{limits: copied}, nil
}

// BaseLimit returns the base limit for the given tier and dimension.
// Unknown tiers or dimensions are a configuration error; they should have
// been caught at startup and never occur at request time.
func (c *LimitCatalog) BaseLimit(tier Tier, dim Dimension) (int64, error) {
	dims, ok := c.limits[tier]
	if !ok {
		return 0, &ConfigurationError{Tier: tier, Dimension: dim, Reason: "unknown tier"}
	}
	limit, ok := dims[dim]
	if !ok {
		return 0, &ConfigurationError{Tier: tier, Dimension: dim, Reason: "unknown dimension"}
	}
	return limit, nil
}
