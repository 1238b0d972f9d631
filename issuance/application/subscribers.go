package application

import (
	"context"

	"coupon-issuance/issuance/domain"
)

// RankingRecorder soma cada emissão bem-sucedida no quadro "issued".
// Best-effort: o Dispatcher só loga o erro.
func RankingRecorder(store domain.RankingStore) EventHandler {
	return func(ctx context.Context, ev any) error {
		dec, ok := ev.(domain.IssuanceDecided)
		if !ok || !dec.Success {
			return nil
		}
		return store.Record(ctx, domain.RankingEvent{
			Board:  domain.BoardIssued,
			Member: dec.ResourceType,
			Delta:  1,
			At:     dec.At,
		})
	}
}
