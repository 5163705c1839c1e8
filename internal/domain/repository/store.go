package repository

// Store combines every repository interface the core needs, backed by
// one database handle (§5: "all writes go through one database handle").
type Store interface {
	TaskRepository
	ComicRepository
	AuthRepository

	// Close closes the database connection
	Close() error

	// Ping checks database connectivity
	Ping() error
}
