package node

// Provenance records what produced a cache write.
type Provenance string

const (
	ProvenanceUser        Provenance = "user"
	ProvenanceDatabase    Provenance = "database"
	ProvenanceSync        Provenance = "sync"
	ProvenancePlaceholder Provenance = "placeholder"
	ProvenanceRollback    Provenance = "rollback"
)
