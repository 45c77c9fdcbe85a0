package middlewares

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/graph-gophers/dataloader/v7"
	"github.com/vendcash/collections_backend/models"
)

type ctxKey string

const (
	loadersKey = ctxKey("dataloaders")
)

// MachineResolver is the batch query behind the machine loader.
type MachineResolver interface {
	ResolveMachines(ctx context.Context, ids []string, codes []string) ([]*models.Machine, error)
}

// Loaders wrap the request-scoped data loaders
type Loaders struct {
	MachineLoader *dataloader.Loader[string, *models.Machine]
}

func NewLoaders(machines MachineResolver) *Loaders {
	machineReader := &machineReader{machines: machines}
	return &Loaders{
		MachineLoader: dataloader.NewBatchedLoader(machineReader.getMachines, dataloader.WithWait[string, *models.Machine](time.Millisecond)),
	}
}

func LoaderMiddleware(machines MachineResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		loader := NewLoaders(machines)
		ctx := context.WithValue(c.Request.Context(), loadersKey, loader)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func For(ctx context.Context) *Loaders {
	return ctx.Value(loadersKey).(*Loaders)
}

// handleError creates array of result with the same error repeated for as many items requested
func handleError[T any](itemsLength int, err error) []*dataloader.Result[T] {
	result := make([]*dataloader.Result[T], itemsLength)
	for i := 0; i < itemsLength; i++ {
		result[i] = &dataloader.Result[T]{Error: err}
	}
	return result
}
