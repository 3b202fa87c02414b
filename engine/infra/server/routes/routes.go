package routes

// Version is the API version segment used in routing.
const Version = "v0"

// Base returns the versioned API base path (e.g., "/api/v0").
func Base() string {
	return "/api/" + Version
}

// Documents returns the documents base path (e.g., "/api/v0/documents").
func Documents() string {
	return Base() + "/documents"
}

// Document returns the path of a single document.
func Document(id string) string {
	return Documents() + "/" + id
}

// Chunks returns the chunks base path (e.g., "/api/v0/chunks").
func Chunks() string {
	return Base() + "/chunks"
}

// Search returns the similarity search path.
func Search() string {
	return Base() + "/search"
}

// Health returns the liveness check path. It is not versioned.
func Health() string {
	return "/healthz"
}
