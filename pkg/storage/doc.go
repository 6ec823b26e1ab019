// Package storage provides the per-invocation State Store that pipeline stages
// exchange results through, plus the SQLite-backed persistence shared by the
// audit sink and the fact memory.
package storage
