package refund

import (
	"context"

	"golang.org/x/sync/errgroup"

	"example.com/campaign-payments/pkg/logger"
	"example.com/campaign-payments/services/donation/internal/domain"
)

// BulkItem — результат одного запроса пакетного возврата.
type BulkItem struct {
	Request Request        `json:"request"`
	Refund  *domain.Refund `json:"refund,omitempty"`
	Err     error          `json:"-"`
	Error   string         `json:"error,omitempty"`
	Code    string         `json:"code,omitempty"`
}

// BulkResult — итог пакетного возврата. Частичный успех допустим.
type BulkResult struct {
	Items     []BulkItem `json:"items"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
}

// BulkRefund выполняет возвраты пачками по BatchSize, внутри пачки не больше
// Concurrency параллельных запросов, между пачками пауза BatchDelay.
// Ошибка одного возврата не останавливает остальные.
func (e *Engine) BulkRefund(ctx context.Context, reqs []Request) *BulkResult {
	log := logger.Ctx(ctx)
	result := &BulkResult{Items: make([]BulkItem, len(reqs))}

	for start := 0; start < len(reqs); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(reqs))

		if start > 0 {
			if err := e.sleep(ctx, e.cfg.BatchDelay); err != nil {
				for i := start; i < len(reqs); i++ {
					result.Items[i] = BulkItem{Request: reqs[i], Err: err}
				}
				break
			}
		}

		g := new(errgroup.Group)
		g.SetLimit(e.cfg.Concurrency)
		for i := start; i < end; i++ {
			g.Go(func() error {
				r, err := e.Refund(ctx, reqs[i])
				result.Items[i] = BulkItem{Request: reqs[i], Refund: r, Err: err}
				return nil
			})
		}
		_ = g.Wait()

		log.Debug().Int("from", start).Int("to", end).Msg("Пачка возвратов обработана")
	}

	for i := range result.Items {
		item := &result.Items[i]
		if item.Err != nil {
			item.Error = item.Err.Error()
			item.Code = domain.ErrorCode(item.Err)
			result.Failed++
			continue
		}
		result.Succeeded++
	}

	log.Info().
		Int("total", len(reqs)).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Msg("Пакетный возврат завершён")
	return result
}
