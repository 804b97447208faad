// Package ginadapter mounts a workflow runtime's HTTP entrypoints on a gin
// engine.
package ginadapter

import (
	"io"

	"github.com/gin-gonic/gin"

	"github.com/vercel/workflow-go/workflow"
)

// request adapts a gin request to the engine's framework-neutral interface.
type request struct {
	c *gin.Context
}

func (r request) Header(name string) string {
	return r.c.GetHeader(name)
}

func (r request) Body() ([]byte, error) {
	if r.c.Request.Body == nil {
		return nil, nil
	}
	return io.ReadAll(r.c.Request.Body)
}

// Wrap converts a framework-neutral handler into a gin handler.
func Wrap(handler workflow.HTTPHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := handler(c.Request.Context(), request{c: c})
		for name, value := range resp.Headers {
			c.Header(name, value)
		}
		c.Data(resp.Status, resp.Headers["content-type"], resp.Body)
	}
}

// Mount registers the workflow and step entrypoints under the conventional
// well-known path prefix.
func Mount(engine *gin.Engine, rt *workflow.Runtime) {
	group := engine.Group(workflow.PathPrefix)
	group.POST("/flow", Wrap(rt.WorkflowEntrypoint()))
	group.POST("/step", Wrap(rt.StepEntrypoint()))
}
