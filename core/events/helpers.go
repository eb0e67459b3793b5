package events

import (
	"strconv"

	"stakepool/core/types"
)

func normalizeAsset(asset string) string {
	return types.NormalizeSymbol(asset)
}

func formatAmount(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func formatUnix(ts int64) string {
	return strconv.FormatInt(ts, 10)
}
