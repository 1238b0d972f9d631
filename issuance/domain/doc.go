// Package domain define contratos e tipos de domínio do motor de emissão de cupons.
//
// Este pacote não depende de redis, kafka, sql nem de net/http.
// As interfaces aqui (LockCoordinator, StockLedger, FairnessQueue, RequestTracker,
// GrantRepository, Broker, RankingStore, Catalog) são injetadas por construtor
// nas camadas application e issuance.
package domain
