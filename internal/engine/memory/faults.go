package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidemark/tidemark/internal/engine"
	"github.com/tidemark/tidemark/pkg/types"
)

// Operation names accepted by the fault injection hooks.
const (
	OpCreateIndex    = "create_index"
	OpDeleteIndex    = "delete_index"
	OpOpenIndex      = "open_index"
	OpCloseIndex     = "close_index"
	OpIndexExists    = "index_exists"
	OpGetSettings    = "get_settings"
	OpUpdateSettings = "update_settings"
	OpPutMapping     = "put_mapping"
	OpGetMapping     = "get_mapping"
	OpGetAliases     = "get_aliases"
	OpUpdateAliases  = "update_aliases"
	OpClusterState   = "cluster_state"
	OpHealth         = "health"
	OpStats          = "stats"
	OpBulk           = "bulk"
	OpScroll         = "scroll"
	OpOptimize       = "optimize"
	OpFlush          = "flush"
	OpTimestamps     = "timestamp_range"
)

// BulkFailureFunc decides whether a bulk item is rejected. A non-empty return
// value is reported as the item's failure reason.
type BulkFailureFunc func(item engine.BulkItem) string

type faults struct {
	fmu         sync.Mutex
	unavailable bool
	errs        map[string]error
	nacks       map[string]bool
	overrides   map[string]types.HealthStatus
	bulkFailure BulkFailureFunc
}

func (f *faults) init() {
	f.errs = make(map[string]error)
	f.nacks = make(map[string]bool)
	f.overrides = make(map[string]types.HealthStatus)
}

// SetUnavailable makes every call fail with engine.ErrUnavailable.
func (f *faults) SetUnavailable(unavailable bool) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.unavailable = unavailable
}

// InjectFault makes op fail with err. An empty index applies to every index.
// A nil err removes the fault.
func (f *faults) InjectFault(op, index string, err error) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	key := faultKey(op, index)
	if err == nil {
		delete(f.errs, key)
		return
	}
	f.errs[key] = err
}

// Unacknowledge makes op succeed without acknowledgement.
func (f *faults) Unacknowledge(op string) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.nacks[op] = true
}

// SetHealth pins the reported health of an index.
func (f *faults) SetHealth(index string, status types.HealthStatus) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.overrides[index] = status
}

// ClearHealth removes a pinned health status.
func (f *faults) ClearHealth(index string) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	delete(f.overrides, index)
}

// SetBulkFailure installs a per-item bulk rejection hook.
func (f *faults) SetBulkFailure(fn BulkFailureFunc) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.bulkFailure = fn
}

// ResetFaults clears every injected fault.
func (f *faults) ResetFaults() {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	f.unavailable = false
	f.bulkFailure = nil
	f.init()
}

func (f *faults) check(ctx context.Context, op, index string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.fmu.Lock()
	defer f.fmu.Unlock()

	if f.unavailable {
		return fmt.Errorf("%w: %s", engine.ErrUnavailable, op)
	}
	if err, ok := f.errs[faultKey(op, index)]; ok {
		return err
	}
	if err, ok := f.errs[faultKey(op, "")]; ok {
		return err
	}
	return nil
}

func (f *faults) ack(op string) bool {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	return !f.nacks[op]
}

func (f *faults) healthOverride(index string) (types.HealthStatus, bool) {
	f.fmu.Lock()
	defer f.fmu.Unlock()
	s, ok := f.overrides[index]
	return s, ok
}

func (f *faults) rejectReason(item engine.BulkItem) string {
	f.fmu.Lock()
	fn := f.bulkFailure
	f.fmu.Unlock()
	if fn == nil {
		return ""
	}
	return fn(item)
}

func faultKey(op, index string) string {
	return op + "/" + index
}
