/**
 * @description
 * The bulk transaction aggregate: the single writer of truth for one bulk
 * id. It owns the individual transfer records and batch records and exposes
 * the atomic counter and guard operations every saga handler relies on.
 * Counters are HINCRBY-style increments at the store, never
 * read-increment-write in application code, so concurrent handlers for
 * different items of the same bulk cannot clobber each other.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain types and the KV contract.
 */

package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/store"
)

const (
	fieldBulkID  = "bulkId"
	fieldState   = "state"
	fieldHomeID  = "bulkHomeTransactionId"
	fieldOptions = "options"
	fieldFrom    = "from"
	fieldResult  = "result"
	fieldCreated = "createdAt"
)

func aggregateKey(bulkID string) string { return "bulkTransaction_" + bulkID }

func itemKey(bulkID, transferID string) string {
	return fmt.Sprintf("bulkItem_%s_%s", bulkID, transferID)
}

func batchKey(bulkID, batchID string) string {
	return fmt.Sprintf("bulkBatch_%s_%s", bulkID, batchID)
}

// Counts is one phase's counter triple.
type Counts struct {
	Total   int64
	Success int64
	Failed  int64
}

// Complete reports the phase barrier: every item (or batch) has reported
// either success or failure.
func (c Counts) Complete() bool {
	return c.Total > 0 && c.Success+c.Failed == c.Total
}

// AllFailed reports the short-circuit condition.
func (c Counts) AllFailed() bool {
	return c.Total > 0 && c.Failed == c.Total
}

// Aggregate is a handle on one bulk transaction's persisted state.
type Aggregate struct {
	repo    store.Repository
	bulkID  string
	homeID  string
	options domain.BulkOptions
	from    domain.Party
}

// CreateFromRequest persists a new aggregate and one record per requested
// transfer. Creating an already-existing bulk id is an error; handlers that
// may be re-delivered should Load first.
func CreateFromRequest(ctx context.Context, repo store.Repository, bulkID string, req domain.BulkTransactionRequest, newID func() string) (*Aggregate, error) {
	key := aggregateKey(bulkID)
	created, err := repo.SetFieldNX(ctx, key, fieldBulkID, bulkID)
	if err != nil {
		return nil, fmt.Errorf("create bulk %s: %w", bulkID, err)
	}
	if !created {
		return nil, fmt.Errorf("bulk %s already exists", bulkID)
	}

	optionsJSON, err := json.Marshal(req.Options)
	if err != nil {
		return nil, fmt.Errorf("encode bulk options: %w", err)
	}
	fromJSON, err := json.Marshal(req.From)
	if err != nil {
		return nil, fmt.Errorf("encode bulk payer: %w", err)
	}
	if err := repo.SetField(ctx, key, fieldHomeID, req.BulkHomeTransactionID); err != nil {
		return nil, err
	}
	if err := repo.SetField(ctx, key, fieldOptions, string(optionsJSON)); err != nil {
		return nil, err
	}
	if err := repo.SetField(ctx, key, fieldFrom, string(fromJSON)); err != nil {
		return nil, err
	}
	if err := repo.SetField(ctx, key, fieldState, string(domain.BulkReceived)); err != nil {
		return nil, err
	}
	if err := repo.SetField(ctx, key, fieldCreated, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}

	agg := &Aggregate{repo: repo, bulkID: bulkID, homeID: req.BulkHomeTransactionID, options: req.Options, from: req.From}

	for _, transfer := range req.IndividualTransfers {
		rec := domain.IndividualTransferRecord{
			ID:                newID(),
			HomeTransactionID: transfer.HomeTransactionID,
			Request:           transfer,
			State:             domain.ItemReceived,
		}
		if err := agg.UpsertIndividualTransfer(ctx, rec); err != nil {
			return nil, err
		}
	}
	if err := agg.SetPhaseTotal(ctx, domain.PhaseDiscovery, int64(len(req.IndividualTransfers))); err != nil {
		return nil, err
	}
	return agg, nil
}

// LoadFromRepo reloads an aggregate by bulk id.
func LoadFromRepo(ctx context.Context, repo store.Repository, bulkID string) (*Aggregate, error) {
	fields, err := repo.GetAllFields(ctx, aggregateKey(bulkID))
	if err != nil {
		return nil, err
	}
	agg := &Aggregate{repo: repo, bulkID: bulkID, homeID: fields[fieldHomeID]}
	if raw, ok := fields[fieldOptions]; ok {
		if err := json.Unmarshal([]byte(raw), &agg.options); err != nil {
			return nil, fmt.Errorf("decode bulk %s options: %w", bulkID, err)
		}
	}
	if raw, ok := fields[fieldFrom]; ok {
		if err := json.Unmarshal([]byte(raw), &agg.from); err != nil {
			return nil, fmt.Errorf("decode bulk %s payer: %w", bulkID, err)
		}
	}
	return agg, nil
}

func (a *Aggregate) BulkID() string              { return a.bulkID }
func (a *Aggregate) HomeTransactionID() string   { return a.homeID }
func (a *Aggregate) Options() domain.BulkOptions { return a.options }
func (a *Aggregate) From() domain.Party          { return a.from }

// GlobalState reads the bulk's current state from the store.
func (a *Aggregate) GlobalState(ctx context.Context) (domain.BulkState, error) {
	val, err := a.repo.GetField(ctx, aggregateKey(a.bulkID), fieldState)
	if err != nil {
		return "", err
	}
	return domain.BulkState(val), nil
}

// SetGlobalState writes the bulk's state.
func (a *Aggregate) SetGlobalState(ctx context.Context, state domain.BulkState) error {
	return a.repo.SetField(ctx, aggregateKey(a.bulkID), fieldState, string(state))
}

// CreatedAt reads the aggregate's creation time, used by the sweeper to
// judge staleness.
func (a *Aggregate) CreatedAt(ctx context.Context) (time.Time, error) {
	val, err := a.repo.GetField(ctx, aggregateKey(a.bulkID), fieldCreated)
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, val)
}

// Guard claims a named once-only action for this bulk. The first caller
// gets true; redelivered events get false and must skip the action. This is
// what makes the at-least-once handlers idempotent.
func (a *Aggregate) Guard(ctx context.Context, name string) (bool, error) {
	return a.repo.SetFieldNX(ctx, aggregateKey(a.bulkID), "guard_"+name, "1")
}

// UpsertIndividualTransfer persists one transfer record.
func (a *Aggregate) UpsertIndividualTransfer(ctx context.Context, rec domain.IndividualTransferRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode bulk item %s: %w", rec.ID, err)
	}
	return a.repo.Set(ctx, itemKey(a.bulkID, rec.ID), raw)
}

// IndividualTransfer loads one transfer record by id.
func (a *Aggregate) IndividualTransfer(ctx context.Context, transferID string) (*domain.IndividualTransferRecord, error) {
	raw, err := a.repo.Get(ctx, itemKey(a.bulkID, transferID))
	if err != nil {
		return nil, err
	}
	var rec domain.IndividualTransferRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode bulk item %s: %w", transferID, err)
	}
	return &rec, nil
}

// AllIndividualTransferIDs lists the bulk's transfer record ids, sorted for
// deterministic iteration.
func (a *Aggregate) AllIndividualTransferIDs(ctx context.Context) ([]string, error) {
	prefix := itemKey(a.bulkID, "")
	keys, err := a.repo.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(prefix):])
	}
	sort.Strings(ids)
	return ids, nil
}

// UpsertBatch persists one batch record.
func (a *Aggregate) UpsertBatch(ctx context.Context, batch domain.BulkBatch) error {
	raw, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode bulk batch %s: %w", batch.ID, err)
	}
	return a.repo.Set(ctx, batchKey(a.bulkID, batch.ID), raw)
}

// Batch loads one batch record by id.
func (a *Aggregate) Batch(ctx context.Context, batchID string) (*domain.BulkBatch, error) {
	raw, err := a.repo.Get(ctx, batchKey(a.bulkID, batchID))
	if err != nil {
		return nil, err
	}
	var batch domain.BulkBatch
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("decode bulk batch %s: %w", batchID, err)
	}
	return &batch, nil
}

// AllBatchIDs lists the bulk's batch ids, sorted.
func (a *Aggregate) AllBatchIDs(ctx context.Context) ([]string, error) {
	prefix := batchKey(a.bulkID, "")
	keys, err := a.repo.Keys(ctx, prefix+"*")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(prefix):])
	}
	sort.Strings(ids)
	return ids, nil
}

// SetPhaseTotal fixes the denominator of a phase's barrier. Discovery
// counts individual transfers; agreement and transfer count batches.
func (a *Aggregate) SetPhaseTotal(ctx context.Context, phase domain.Phase, total int64) error {
	return a.repo.SetField(ctx, aggregateKey(a.bulkID), string(phase)+"TotalCount", strconv.FormatInt(total, 10))
}

// IncrementCount atomically bumps one phase counter and returns the new
// value. success=true bumps the success counter, otherwise the failed one.
func (a *Aggregate) IncrementCount(ctx context.Context, phase domain.Phase, success bool) (int64, error) {
	field := string(phase) + "FailedCount"
	if success {
		field = string(phase) + "SuccessCount"
	}
	return a.repo.IncrementField(ctx, aggregateKey(a.bulkID), field, 1)
}

// Counts reads one phase's counter triple.
func (a *Aggregate) Counts(ctx context.Context, phase domain.Phase) (Counts, error) {
	key := aggregateKey(a.bulkID)
	var c Counts
	var err error
	if c.Total, err = a.counterField(ctx, key, string(phase)+"TotalCount"); err != nil {
		return c, err
	}
	if c.Success, err = a.counterField(ctx, key, string(phase)+"SuccessCount"); err != nil {
		return c, err
	}
	if c.Failed, err = a.counterField(ctx, key, string(phase)+"FailedCount"); err != nil {
		return c, err
	}
	return c, nil
}

func (a *Aggregate) counterField(ctx context.Context, key, field string) (int64, error) {
	val, err := a.repo.GetField(ctx, key, field)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// SetResult stores the final aggregated response.
func (a *Aggregate) SetResult(ctx context.Context, result *domain.BulkResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode bulk result: %w", err)
	}
	return a.repo.SetField(ctx, aggregateKey(a.bulkID), fieldResult, string(raw))
}

// Result loads the final aggregated response, if prepared.
func (a *Aggregate) Result(ctx context.Context) (*domain.BulkResult, error) {
	raw, err := a.repo.GetField(ctx, aggregateKey(a.bulkID), fieldResult)
	if err != nil {
		return nil, err
	}
	var result domain.BulkResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode bulk result: %w", err)
	}
	return &result, nil
}

// ExpireAfter puts a TTL on every key the aggregate owns, archiving it
// instead of deleting inline so late duplicate events still resolve
// against the terminal state.
func (a *Aggregate) ExpireAfter(ctx context.Context, ttl time.Duration) error {
	if err := a.repo.Expire(ctx, aggregateKey(a.bulkID), ttl); err != nil {
		return err
	}
	itemIDs, err := a.AllIndividualTransferIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range itemIDs {
		if err := a.repo.Expire(ctx, itemKey(a.bulkID, id), ttl); err != nil {
			return err
		}
	}
	batchIDs, err := a.AllBatchIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range batchIDs {
		if err := a.repo.Expire(ctx, batchKey(a.bulkID, id), ttl); err != nil {
			return err
		}
	}
	return nil
}
