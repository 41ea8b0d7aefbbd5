package dualwrite

import (
	"context"
	"fmt"

	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/conflict"
	"github.com/code-craka/upi-payment-app-sub000/define"
)

var batchTimer = metrics.NewTimer("role", "dualwrite", "batch", "batch role update timer", []string{"ret"})

const errBatchAborted = "batch aborted before execution"

// ExecuteBatchRoleUpdate applies a batch sequentially. With ContinueOnError
// unset, every expected version is pre-screened first and one conflict aborts
// the whole batch before any store is touched; with it set, items fail
// independently and the rest proceed. Failures are always reported per item,
// never swallowed.
func (s *Service) ExecuteBatchRoleUpdate(ctx context.Context, req *define.BatchRoleUpdateRequest, initiatedBy string) (res *define.BatchRoleUpdateResult, err error) {
	defer batchTimer.Timer()(metrics.Status(err))

	if verr := s.validate.Struct(req); verr != nil {
		return nil, fmt.Errorf("%w : %v", define.ErrInvalidRequest, verr)
	}

	res = &define.BatchRoleUpdateResult{
		Results: make([]define.RoleUpdateResult, 0, len(req.Items)),
	}

	if !req.ContinueOnError {
		conflicts, cerr := s.preScreen(ctx, req.Items)
		if cerr != nil {
			return nil, cerr
		}
		if len(conflicts) > 0 {
			res.Aborted = true
			res.Failed = len(req.Items)
			for _, item := range req.Items {
				r := define.RoleUpdateResult{
					UserId:    item.UserId,
					NewRole:   item.NewRole,
					Error:     errBatchAborted,
					Retryable: true,
				}
				if c, ok := conflicts[item.UserId]; ok {
					r.Conflict = c
				}
				res.Results = append(res.Results, r)
			}
			logutil.Logger(ctx).Sugar().Infof("batch aborted on pre-screen : items(%d), conflicts(%d)",
				len(req.Items), len(conflicts))
			return res, nil
		}
	}

	aborted := false
	for _, item := range req.Items {
		item := item
		if aborted {
			res.Failed++
			res.Results = append(res.Results, define.RoleUpdateResult{
				UserId:    item.UserId,
				NewRole:   item.NewRole,
				Error:     errBatchAborted,
				Retryable: true,
			})
			continue
		}

		r, uerr := s.ExecuteRoleUpdate(ctx, &item, initiatedBy)
		if r == nil {
			r = &define.RoleUpdateResult{
				UserId:    item.UserId,
				NewRole:   item.NewRole,
				Retryable: define.Retryable(uerr),
			}
			if uerr != nil {
				r.Error = uerr.Error()
			}
		}
		res.Results = append(res.Results, *r)

		if r.Success {
			res.Succeeded++
			continue
		}
		res.Failed++
		if !req.ContinueOnError {
			aborted = true
			res.Aborted = true
		}
	}
	return res, nil
}

// preScreen checks every item that carries an expected version against the
// cache's current version; forced items are exempt.
func (s *Service) preScreen(ctx context.Context, items []define.RoleUpdateRequest) (map[string]*define.VersionConflict, error) {
	checks := make([]conflict.BatchCheck, 0, len(items))
	for _, item := range items {
		if item.ExpectedVersion == nil || item.Force {
			continue
		}
		checks = append(checks, conflict.BatchCheck{
			UserId:          item.UserId,
			ExpectedVersion: *item.ExpectedVersion,
		})
	}
	if len(checks) == 0 {
		return nil, nil
	}
	return s.conflicts.CheckBatchConflicts(ctx, checks)
}
