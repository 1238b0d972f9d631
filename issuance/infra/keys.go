package infra

import "strings"

const DefaultPrefix = "coupon"

// Keys monta as chaves do redis. Tudo de um tipo de recurso compartilha a hash tag
// {tipo}, então scripts com várias chaves ficam no mesmo slot do cluster e tipos
// diferentes nunca disputam a mesma chave.
type Keys struct {
	prefix string
}

func NewKeys(prefix string) Keys {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Keys{prefix: prefix}
}

func (k Keys) Prefix() string { return k.prefix }

func (k Keys) typed(resourceType, suffix string) string {
	return k.prefix + ":{" + resourceType + "}:" + suffix
}

func (k Keys) Lock(resourceType string) string      { return k.typed(resourceType, "lock") }
func (k Keys) Stock(resourceType string) string     { return k.typed(resourceType, "stock") }
func (k Keys) Queue(resourceType string) string     { return k.typed(resourceType, "queue") }
func (k Keys) Issued(resourceType string) string    { return k.typed(resourceType, "issued") }
func (k Keys) IssuedSeq(resourceType string) string { return k.typed(resourceType, "issued-seq") }

func (k Keys) Request(requestID string) string { return k.prefix + ":request:" + requestID }

func (k Keys) Ranking(board string) string { return k.prefix + ":ranking:" + board }
