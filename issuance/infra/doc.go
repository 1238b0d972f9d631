// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RedisLocker, RedisStockLedger, RedisFairnessQueue, RedisRequestTracker:
//     primitivas atômicas sobre redis (SET NX PX, compare-and-delete em Lua, DECR/INCR,
//     sorted sets)
//   - MemoryBroker / KafkaBroker: transporte particionado por chave
//   - SQLiteGrantRepository / PostgresGrantRepository: persistência dos cupons
//   - YAMLCatalog: catálogo de tipos de recurso
//   - ChanPool / KeyedPool: semáforos locais ao processo
package infra
