// Package issuance expõe o motor de emissão via net/http.
//
// Camadas:
//
//   - domain: contratos e tipos (sem net/http, sem redis)
//   - application: casos de uso (emissão sync/async, consumidor, reservas, compensação)
//   - infra: redis, kafka, sqlite/postgres, catálogo yaml, limiter e semáforos
//   - obs: logger (zap) e métricas (prometheus)
//   - issuance (este pacote): handlers, middlewares de rate limit e concorrência,
//     tradução de erros para status HTTP
//
// O requester é identificado pelo header X-Requester-Id.
package issuance
