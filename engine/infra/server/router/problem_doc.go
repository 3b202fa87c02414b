package router

import "github.com/crmkit/knowledge/engine/core"

// ProblemDocument is the documented error envelope of every handler.
type ProblemDocument = core.ProblemDocument
