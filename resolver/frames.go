package resolver

// LoopFrame binds loop.* paths (§3 "Loop and parallel frames ... passed
// as side parameters to the resolver") for one iteration of a loop node's
// body. It is never stored in the Context so nested iterations cannot
// alias each other's loop.index (§9).
type LoopFrame struct {
	Index   int
	Item    interface{}
	Total   int
	Results []interface{}
}

func (f *LoopFrame) asMap() map[string]interface{} {
	if f == nil {
		return nil
	}
	results := make([]interface{}, len(f.Results))
	copy(results, f.Results)
	return map[string]interface{}{
		"index":   f.Index,
		"item":    f.Item,
		"total":   f.Total,
		"results": results,
	}
}

// ParallelFrame binds parallel.* paths for one branch of a parallel node.
type ParallelFrame struct {
	Index       int
	BranchID    string
	CurrentItem interface{}
}

func (f *ParallelFrame) asMap() map[string]interface{} {
	if f == nil {
		return nil
	}
	return map[string]interface{}{
		"index":       f.Index,
		"branchId":    f.BranchID,
		"currentItem": f.CurrentItem,
	}
}
