package router

// Config agrupa los parámetros configurables del router (spec.md §4.4).
type Config struct {
	// IdempotencyEnabled activa el camino de deduplicación de comandos por
	// idempotencyKey. Cuando es false, todo comando se despacha siempre.
	IdempotencyEnabled bool
	// IdempotencyTTLMs es la ventana de deduplicación de la caché entera;
	// el barrido elimina registros más antiguos que 2×TTL. El campo ttl de
	// un comando no la modifica (solo arma su timeout de pendiente).
	IdempotencyTTLMs int64
}
