package middlewares

import (
	"context"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/vendcash/collections_backend/models"
)

type machineReader struct {
	machines MachineResolver
}

func (r *machineReader) getMachines(ctx context.Context, ids []string) []*dataloader.Result[*models.Machine] {
	results, err := r.machines.ResolveMachines(ctx, ids, nil)
	if err != nil {
		return handleError[*models.Machine](len(ids), err)
	}

	resultMap := make(map[string]*models.Machine, len(results))
	for _, result := range results {
		resultMap[result.ID] = result
	}
	loaderResults := make([]*dataloader.Result[*models.Machine], 0, len(ids))
	for _, id := range ids {
		result, ok := resultMap[id]
		if !ok {
			loaderResults = append(loaderResults, &dataloader.Result[*models.Machine]{Error: models.NewNotFoundError("machine", id)})
			continue
		}
		loaderResults = append(loaderResults, &dataloader.Result[*models.Machine]{Data: result})
	}
	return loaderResults
}

func GetMachines(ctx context.Context, ids []string) ([]*models.Machine, []error) {
	loaders := For(ctx)
	return loaders.MachineLoader.LoadMany(ctx, ids)()
}

// AttachMachines fills Collection.Machine where it is missing. Machines that
// cannot be loaded are left nil.
func AttachMachines(ctx context.Context, collections []*models.Collection) {
	ids := make([]string, 0, len(collections))
	for _, c := range collections {
		if c.Machine == nil {
			ids = append(ids, c.MachineId)
		}
	}
	if len(ids) == 0 {
		return
	}
	machines, _ := GetMachines(ctx, ids)
	i := 0
	for _, c := range collections {
		if c.Machine != nil {
			continue
		}
		if i < len(machines) {
			c.Machine = machines[i]
		}
		i++
	}
}
