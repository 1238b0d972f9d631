package domain

// Mode restringe por qual caminho um tipo de recurso pode ser emitido.
// Misturar os dois caminhos no mesmo tipo não preserva ordem.
type Mode string

const (
	ModeAny   Mode = ""
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

type ResourceSpec struct {
	Type  string
	Stock int64
	Mode  Mode
}

func (s ResourceSpec) Allows(m Mode) bool {
	return s.Mode == ModeAny || s.Mode == m
}

// Catalog lista os tipos de recurso conhecidos.
type Catalog interface {
	Lookup(resourceType string) (ResourceSpec, bool)
	All() []ResourceSpec
}
