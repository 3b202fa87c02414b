//	@title			CRM Knowledge API
//	@version		0.1
//	@description	Document ingestion, chunking, embedding and similarity search for CRM knowledge bases

//	@BasePath	/api/v0

//	@tag.name			documents
//	@tag.description	Document creation and ingestion

//	@tag.name			chunks
//	@tag.description	Chunk inspection and manual editing

//	@tag.name			search
//	@tag.description	Similarity search

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/crmkit/knowledge/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
