// Package application contém os casos de uso do motor de emissão.
//
// Ele depende apenas do pacote domain (e de obs para log/métricas) e não conhece
// redis, kafka, sql nem net/http.
//
// Ordem fixa dos guardas no caminho síncrono:
//
//	DistributedLock -> LocalExclusive -> unwind -> Transaction -> passos da emissão
//
// O lock distribuído é a garantia real entre processos. O guarda local por tipo de
// recurso só evita disputa desperdiçada dentro do mesmo processo. O consumidor
// assíncrono dispensa o lock distribuído: a partição do broker já garante um único
// escritor por tipo.
package application
