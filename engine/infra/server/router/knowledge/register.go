package knowledgerouter

import "github.com/gin-gonic/gin"

// Register mounts the knowledge routes on the versioned API group.
func Register(apiBase *gin.RouterGroup) {
	documents := apiBase.Group("/documents")
	{
		documents.POST("", createDocument)
		documents.GET("", listDocuments)
		documents.GET("/:id", getDocument)
		documents.POST("/:id/ingest", ingestDocument)
		documents.POST("/:id/reembed", reembedDocument)
		documents.GET("/:id/chunks", listChunks)
		documents.POST("/:id/chunks", addChunk)
		documents.DELETE("/:id/chunks", deleteChunks)
	}
	chunks := apiBase.Group("/chunks")
	{
		chunks.PATCH("/:id", updateChunk)
		chunks.PATCH("/:id/enabled", setChunkEnabled)
		chunks.DELETE("/:id", deleteChunk)
	}
	apiBase.POST("/search", search)
}
