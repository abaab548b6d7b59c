package chat

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"github.com/adhocore/gronx"

	"github.com/zm-bad/dagchat/internal/store"
)

// Reconciler repairs the denormalized children sets from the authoritative
// parent_ids edges. A crash between the two edge writes of a chat request
// leaves a parent unaware of a child; the reconciler sweeps recently active
// conversations on a cron schedule and rewrites divergent sets.
type Reconciler struct {
	stores   *store.Stores
	cronExpr string
	lookback time.Duration
	pageSize int
	gron     *gronx.Gronx
	log      *slog.Logger
}

// NewReconciler builds the reconciler. An empty cron expression disables the
// periodic sweep; ReconcileConversation stays usable either way.
func NewReconciler(stores *store.Stores, cronExpr string, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		stores:   stores,
		cronExpr: cronExpr,
		lookback: 24 * time.Hour,
		pageSize: 100,
		gron:     gronx.New(),
		log:      log,
	}
}

// Run blocks until ctx ends, firing a sweep whenever the cron expression is
// due. Call it in its own goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	if r.cronExpr == "" {
		return
	}
	if !r.gron.IsValid(r.cronExpr) {
		r.log.Error("invalid reconcile cron expression", "expr", r.cronExpr)
		return
	}
	r.log.Info("edge reconciler started", "expr", r.cronExpr)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := r.gron.IsDue(r.cronExpr, time.Now())
			if err != nil || !due {
				continue
			}
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

// Sweep reconciles every conversation touched within the lookback window.
func (r *Reconciler) Sweep(ctx context.Context) error {
	since := time.Now().Add(-r.lookback)
	var repaired, scanned int

	for page := 1; ; page++ {
		convs, err := r.stores.Conversations.ListUpdatedSince(ctx, since, page, r.pageSize)
		if err != nil {
			return err
		}
		if len(convs) == 0 {
			break
		}
		for _, conv := range convs {
			n, err := r.ReconcileConversation(ctx, conv.ID)
			if err != nil {
				r.log.Error("reconcile conversation", "conversation_id", conv.ID, "error", err)
				continue
			}
			scanned++
			repaired += n
		}
		if len(convs) < r.pageSize {
			break
		}
	}

	if repaired > 0 {
		r.log.Warn("edge reconciler repaired divergent children sets",
			"conversations", scanned, "repaired_nodes", repaired)
	} else {
		r.log.Debug("edge reconciler sweep clean", "conversations", scanned)
	}
	return nil
}

// ReconcileConversation recomputes every node's children set from the
// conversation's parent_ids edges and rewrites the ones that diverge.
// Returns how many nodes were repaired.
func (r *Reconciler) ReconcileConversation(ctx context.Context, conversationID string) (int, error) {
	nodes, err := r.stores.Messages.ListByConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}

	want := make(map[string][]string, len(nodes))
	for _, node := range nodes {
		for _, pid := range node.ParentIDs {
			want[pid] = append(want[pid], node.ID)
		}
	}

	repaired := 0
	for _, node := range nodes {
		expected := want[node.ID]
		if childrenEqual(node.Children, expected) {
			continue
		}
		if err := r.stores.Messages.ReplaceChildren(ctx, node.ID, expected); err != nil {
			return repaired, err
		}
		r.log.Warn("repaired children set",
			"conversation_id", conversationID,
			"message_id", node.ID,
			"had", len(node.Children),
			"now", len(expected))
		repaired++
	}
	return repaired, nil
}

// childrenEqual compares the sets ignoring order; order within a children
// set is not observable.
func childrenEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	return reflect.DeepEqual(as, bs)
}
