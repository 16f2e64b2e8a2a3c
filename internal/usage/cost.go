package usage

// Rough USD-per-1000-output-token rates used by the fallback estimate when
// a JSON transcript carried no usage events. Input is assumed 5x cheaper.
var fallbackOutputCostPer1K = map[string]float64{
	"anthropic": 0.015,
	"openai":    0.002,
	"google":    0.001,
	"groq":      0.0,
}

const defaultFallbackOutputCostPer1K = 0.002

// fallbackRates returns (input, output) USD-per-1000-token rates for a
// provider.
func fallbackRates(provider string) (float64, float64) {
	out, ok := fallbackOutputCostPer1K[provider]
	if !ok {
		out = defaultFallbackOutputCostPer1K
	}
	return out / 5, out
}

// Rough blended USD-per-1000-token rates per Factory model. The Droid CLI
// exposes no token counts at all, so these only feed estimates.
var droidCostPer1K = map[string]float64{
	"sonnet":     0.003,
	"opus":       0.015,
	"haiku":      0.0008,
	"GPT-5":      0.01,
	"droid-core": 0.002,
}

const defaultDroidCostPer1K = 0.003

func droidRatePer1K(model string) float64 {
	if rate, ok := droidCostPer1K[model]; ok {
		return rate
	}
	return defaultDroidCostPer1K
}
