package llm

// ModelPricing holds a model's USD rates per million tokens, one rate per
// usage bucket. Cache writes are priced separately from cache reads because
// providers bill them at a premium over plain input.
type ModelPricing struct {
	InputPerMTokUSD      float64
	OutputPerMTokUSD     float64
	CacheReadPerMTokUSD  float64
	CacheWritePerMTokUSD float64
}

// Cost prices a usage snapshot against this model's rates.
func (p ModelPricing) Cost(u Usage) float64 {
	return perMTok(u.InputTokens, p.InputPerMTokUSD) +
		perMTok(u.OutputTokens, p.OutputPerMTokUSD) +
		perMTok(u.CacheReadTokens, p.CacheReadPerMTokUSD) +
		perMTok(u.CacheWriteTokens, p.CacheWritePerMTokUSD)
}

func perMTok(tokens int, ratePerMTokUSD float64) float64 {
	return float64(tokens) / 1_000_000.0 * ratePerMTokUSD
}
