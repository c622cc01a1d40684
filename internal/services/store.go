package services

import "binroute-backend/internal/store"

// Store is the persistence boundary the engine runs against
type Store = store.Store
