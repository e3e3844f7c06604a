// Package orphans journals ledger transactions whose store mirror could not
// be written. Each entry holds enough to replay the mirror later: the
// operation, its request payload and the ledger receipt.
package orphans

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"organictrace/internal/blob"
	"organictrace/internal/ledger"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	pendingPrefix  = "orphans/pending/"
	resolvedPrefix = "orphans/resolved/"
)

// ErrUnknown is returned when no pending entry exists for a tx ref.
var ErrUnknown = errors.New("orphan not found")

// maxTxRefLen keeps encoded keys well inside object store key limits.
const maxTxRefLen = 512

// Entry is one unreconciled ledger transaction.
type Entry struct {
	TxRef      string          `json:"tx_ref"`
	Operation  string          `json:"operation"`
	Signer     string          `json:"signer"`
	Receipt    ledger.Receipt  `json:"receipt"`
	Request    json.RawMessage `json:"request"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error"`
	RecordedAt time.Time       `json:"recorded_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Journal persists entries in a blob store.
type Journal struct {
	store blob.Store
	nowFn func() time.Time
}

// New constructs a journal over store.
func New(store blob.Store) *Journal {
	return &Journal{store: store, nowFn: func() time.Time { return time.Now().UTC() }}
}

// Tx refs are gateway-defined and may carry any byte, so keys hold their
// unpadded base64url form.
func keyName(txRef string) string { return base64.RawURLEncoding.EncodeToString([]byte(txRef)) }

func pendingKey(txRef string) string  { return pendingPrefix + keyName(txRef) + ".json" }
func resolvedKey(txRef string) string { return resolvedPrefix + keyName(txRef) + ".json" }

func checkTxRef(txRef string) error {
	if txRef == "" || len(txRef) > maxTxRefLen {
		return errors.Errorf("invalid tx ref %q", txRef)
	}
	return nil
}

// Record stores entry, replacing an earlier pending entry for the same tx
// ref. The first recording time and the accumulated attempt count survive.
func (j *Journal) Record(ctx context.Context, entry Entry) (Entry, error) {
	if err := checkTxRef(entry.TxRef); err != nil {
		return Entry{}, err
	}
	now := j.nowFn()
	entry.RecordedAt = now
	entry.UpdatedAt = now
	if prev, err := j.Get(ctx, entry.TxRef); err == nil {
		entry.RecordedAt = prev.RecordedAt
		entry.Attempts += prev.Attempts
		if _, err := j.store.Delete(ctx, pendingKey(entry.TxRef)); err != nil {
			return Entry{}, errors.Wrapf(err, "replace orphan %s", entry.TxRef)
		}
	} else if !errors.Is(err, ErrUnknown) {
		return Entry{}, err
	}
	if err := j.put(ctx, pendingKey(entry.TxRef), entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Get loads the pending entry for txRef.
func (j *Journal) Get(ctx context.Context, txRef string) (Entry, error) {
	if err := checkTxRef(txRef); err != nil {
		return Entry{}, err
	}
	return j.load(ctx, pendingKey(txRef))
}

// Pending lists unresolved entries ordered by tx ref.
func (j *Journal) Pending(ctx context.Context) ([]Entry, error) {
	return j.list(ctx, pendingPrefix)
}

// Resolved lists entries that were repaired.
func (j *Journal) Resolved(ctx context.Context) ([]Entry, error) {
	return j.list(ctx, resolvedPrefix)
}

// Resolve moves the pending entry for txRef to the resolved area.
func (j *Journal) Resolve(ctx context.Context, txRef string) (Entry, error) {
	entry, err := j.Get(ctx, txRef)
	if err != nil {
		return Entry{}, err
	}
	now := j.nowFn()
	entry.ResolvedAt = &now
	entry.UpdatedAt = now
	if _, err := j.store.Delete(ctx, resolvedKey(txRef)); err != nil {
		return Entry{}, errors.Wrapf(err, "clear resolved orphan %s", txRef)
	}
	if err := j.put(ctx, resolvedKey(txRef), entry); err != nil {
		return Entry{}, err
	}
	if _, err := j.store.Delete(ctx, pendingKey(txRef)); err != nil {
		return Entry{}, errors.Wrapf(err, "drop pending orphan %s", txRef)
	}
	return entry, nil
}

func (j *Journal) put(ctx context.Context, key string, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode orphan")
	}
	_, err = j.store.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"operation": strings.ToLower(entry.Operation)},
	})
	return errors.Wrapf(err, "write orphan %s", entry.TxRef)
}

func (j *Journal) load(ctx context.Context, key string) (Entry, error) {
	_, rc, err := j.store.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return Entry{}, errors.Wrap(ErrUnknown, key)
	}
	if err != nil {
		return Entry{}, errors.Wrapf(err, "read orphan %s", key)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return Entry{}, errors.Wrapf(err, "read orphan %s", key)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, errors.Wrapf(err, "decode orphan %s", key)
	}
	return entry, nil
}

func (j *Journal) list(ctx context.Context, prefix string) ([]Entry, error) {
	infos, err := j.store.List(ctx, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "list orphans")
	}
	out := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entry, err := j.load(ctx, info.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].TxRef < out[b].TxRef })
	return out, nil
}
