package liquidity

import "github.com/playmoney/market-engine/internal/model"

// ProviderWeights returns each provider's share of a pool from the
// provision history. Net withdrawals count as zero. When nobody has a
// positive net provision the earliest provider owns the whole pool.
func ProviderWeights(provisions []model.LiquidityProvision) map[string]float64 {
	net := make(map[string]float64)
	var order []string
	for _, p := range provisions {
		if _, ok := net[p.UserID]; !ok {
			order = append(order, p.UserID)
		}
		net[p.UserID] += p.Amount
	}

	var total float64
	for _, v := range net {
		if v > 0 {
			total += v
		}
	}

	weights := make(map[string]float64, len(net))
	if total <= 0 {
		if len(order) > 0 {
			weights[order[0]] = 1
		}
		return weights
	}
	for user, v := range net {
		if v > 0 {
			weights[user] = v / total
		}
	}
	return weights
}

// ProviderShare returns userID's weight, zero when they never provided.
func ProviderShare(userID string, provisions []model.LiquidityProvision) float64 {
	return ProviderWeights(provisions)[userID]
}
