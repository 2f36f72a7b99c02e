package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/crossfed/crossfed/internal/config"
	"github.com/crossfed/crossfed/internal/identity"
	"github.com/crossfed/crossfed/internal/metrics"
	"github.com/crossfed/crossfed/internal/models"
	"github.com/crossfed/crossfed/internal/reporting"
	"github.com/crossfed/crossfed/internal/store"
	"github.com/crossfed/crossfed/internal/tasks"
	"github.com/crossfed/crossfed/internal/userset"
)

// SubscribeReposStream is the NSID of the event stream we consume.
const SubscribeReposStream = "com.atproto.sync.subscribeRepos"

// Op is one relevant operation popped from the commit queue.
type Op struct {
	Repo   string
	Action string // create, update, delete, identity, account, handle
	Seq    int64
	Path   string
	Record map[string]any
	Time   string
}

// ATProtoSubscriber holds one persistent websocket to the sync relay,
// filters ops through the relevant sets, and hands them to a separate
// commit-handler worker through a bounded queue.
type ATProtoSubscriber struct {
	cfg      *config.Config
	store    *store.Store
	sets     *userset.Loader
	dispatch *tasks.Dispatcher
	adapter  *identity.ATProto
	reporter *reporting.Reporter

	commits chan Op

	cursor      atomic.Int64
	lastFlushed time.Time
}

// NewATProtoSubscriber wires a subscriber. Run and Handle must both be
// started.
func NewATProtoSubscriber(cfg *config.Config, st *store.Store, sets *userset.Loader,
	dispatch *tasks.Dispatcher, adapter *identity.ATProto, reporter *reporting.Reporter) *ATProtoSubscriber {
	return &ATProtoSubscriber{
		cfg:      cfg,
		store:    st,
		sets:     sets,
		dispatch: dispatch,
		adapter:  adapter,
		reporter: reporter,
		commits:  make(chan Op, cfg.CommitQueueSize),
	}
}

// Run subscribes to the sync relay, reconnecting with the persisted cursor
// after connection errors. Blocks until ctx is cancelled. Unexpected
// (non-connection) errors propagate so the supervisor restarts the process.
func (s *ATProtoSubscriber) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(s.cfg.ReconnectDelay), ctx)
	return backoff.Retry(func() error {
		err := s.subscribe(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		var connErr *connectionError
		if errors.As(err, &connErr) {
			slog.Warn("firehose disconnected; will reconnect",
				"error", err, "delay", s.cfg.ReconnectDelay)
			return err // retried
		}
		return backoff.Permanent(err)
	}, policy)
}

// connectionError marks errors that warrant a reconnect rather than a crash.
type connectionError struct{ err error }

func (e *connectionError) Error() string { return e.err.Error() }
func (e *connectionError) Unwrap() error { return e.err }

// subscribe runs one websocket session from the stored cursor + 1.
func (s *ATProtoSubscriber) subscribe(ctx context.Context) error {
	stored, err := s.store.GetCursor(s.cfg.RelayHost, SubscribeReposStream)
	if err != nil {
		return err
	}
	s.cursor.Store(stored)

	var url string
	if stored > 0 {
		url = s.cfg.SubscribeReposURL(stored + 1)
	} else {
		url = s.cfg.SubscribeReposURL(0)
	}
	slog.Info("subscribing to firehose", "url", url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return &connectionError{err}
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// A read deadline bounds every recv so the loop periodically gets
		// back here to check for shutdown.
		conn.SetReadDeadline(time.Now().Add(s.cfg.HTTPTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return &connectionError{err}
		}

		metrics.FirehoseEvents.WithLabelValues("atproto").Inc()
		if err := s.handleFrame(ctx, msg); err != nil {
			return err
		}
	}
}

// handleFrame decodes one framed message, filters it, advances the cursor,
// and flushes it at most once per StoreCursorFreq.
func (s *ATProtoSubscriber) handleFrame(ctx context.Context, msg []byte) error {
	header, payload, err := DecodeFrame(msg)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		slog.Info("ignoring undecodable frame", "error", err)
		return nil
	}

	if header.Op == -1 {
		var ep ErrorPayload
		DecodePayload(payload, &ep)
		slog.Warn("firehose error frame", "error", ep.Error, "message", ep.Message)
		// ConsumerTooSlow and friends: reconnect from the stored cursor.
		return &connectionError{fmt.Errorf("relay error: %s: %s", ep.Error, ep.Message)}
	}

	snapshot := s.sets.Current()

	switch header.T {
	case FrameCommit:
		var commit CommitPayload
		if err := DecodePayload(payload, &commit); err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			slog.Info("ignoring undecodable commit", "error", err)
			return nil
		}
		s.handleCommit(&commit, snapshot)
		s.advanceCursor(commit.Seq)

	case FrameIdentity, FrameAccount, FrameHandle:
		var acct AccountPayload
		if err := DecodePayload(payload, &acct); err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			return nil
		}
		if snapshot.ATProtoDIDs[acct.DID] || snapshot.BridgedDIDs[acct.DID] {
			s.push(Op{
				Repo:   acct.DID,
				Action: strings.TrimPrefix(header.T, "#"),
				Seq:    acct.Seq,
				Time:   acct.Time,
			})
		}
		s.advanceCursor(acct.Seq)

	case FrameInfo:
		slog.Info("firehose info frame")

	default:
		slog.Debug("ignoring frame", "type", header.T)
	}
	return nil
}

// handleCommit filters a commit's ops and pushes the relevant ones. Decode
// failures inside one commit are reported and skipped, never fatal.
func (s *ATProtoSubscriber) handleCommit(commit *CommitPayload, snapshot *userset.Snapshot) {
	defer s.reporter.Recover(context.Background(), "commit filter")

	var blocks map[string]map[string]any
	for _, op := range commit.Ops {
		var record map[string]any
		if op.Action != actionDelete {
			if blocks == nil {
				var err error
				blocks, err = DecodeCAR(commit.Blocks)
				if err != nil {
					s.reporter.Error(context.Background(), "car decode failed", err,
						map[string]any{"repo": commit.Repo, "seq": commit.Seq})
					return
				}
			}
			if c, ok := OpCID(op); ok {
				record = blocks[c.String()]
			}
			if record == nil {
				metrics.EventsDropped.WithLabelValues("malformed").Inc()
				continue
			}
		}

		if !relevant(commit.Repo, op.Action, record, snapshot) {
			continue
		}

		s.push(Op{
			Repo:   commit.Repo,
			Action: op.Action,
			Seq:    commit.Seq,
			Path:   op.Path,
			Record: record,
			Time:   commit.Time,
		})
	}
}

const actionDelete = "delete"

// relevant applies the two-sided membership test from the relevant sets.
func relevant(repo, action string, record map[string]any, snapshot *userset.Snapshot) bool {
	// Loopback suppression: the bridge itself wrote records authored by
	// bridged dids; handling them would echo activities back.
	if snapshot.BridgedDIDs[repo] {
		metrics.EventsDropped.WithLabelValues("loopback").Inc()
		return false
	}

	if snapshot.ATProtoDIDs[repo] {
		return true
	}

	if record != nil {
		for _, did := range referencedDIDs(record) {
			if snapshot.BridgedDIDs[did] {
				return true
			}
		}
	}

	metrics.EventsDropped.WithLabelValues("irrelevant").Inc()
	return false
}

// referencedDIDs collects dids the record points at: subject, reply parent
// and root, record embeds, and facet mentions.
func referencedDIDs(record map[string]any) []string {
	var dids []string
	addURI := func(uri string) {
		if did := didOfURI(uri); did != "" {
			dids = append(dids, did)
		}
	}

	switch subj := record["subject"].(type) {
	case string:
		addURI(subj)
	case map[string]any:
		if uri, _ := subj["uri"].(string); uri != "" {
			addURI(uri)
		}
	}

	if reply, _ := record["reply"].(map[string]any); reply != nil {
		for _, k := range []string{"parent", "root"} {
			if ref, _ := reply[k].(map[string]any); ref != nil {
				if uri, _ := ref["uri"].(string); uri != "" {
					addURI(uri)
				}
			}
		}
	}

	if embed, _ := record["embed"].(map[string]any); embed != nil {
		if rec, _ := embed["record"].(map[string]any); rec != nil {
			if uri, _ := rec["uri"].(string); uri != "" {
				addURI(uri)
			}
			// app.bsky.embed.recordWithMedia nests one level deeper.
			if inner, _ := rec["record"].(map[string]any); inner != nil {
				if uri, _ := inner["uri"].(string); uri != "" {
					addURI(uri)
				}
			}
		}
	}

	if facets, _ := record["facets"].([]any); facets != nil {
		for _, f := range facets {
			facet, _ := f.(map[string]any)
			if facet == nil {
				continue
			}
			features, _ := facet["features"].([]any)
			for _, feat := range features {
				m, _ := feat.(map[string]any)
				if m == nil {
					continue
				}
				if did, _ := m["did"].(string); did != "" {
					dids = append(dids, did)
				}
			}
		}
	}

	return dids
}

// didOfURI extracts the did from an at:// URI or a bare did.
func didOfURI(uri string) string {
	if strings.HasPrefix(uri, "did:") {
		return uri
	}
	if rest, ok := strings.CutPrefix(uri, "at://"); ok {
		did, _, _ := strings.Cut(rest, "/")
		if strings.HasPrefix(did, "did:") {
			return did
		}
	}
	return ""
}

// push enqueues the op, dropping with a report when the queue is full.
func (s *ATProtoSubscriber) push(op Op) {
	select {
	case s.commits <- op:
		metrics.CommitQueueDepth.Set(float64(len(s.commits)))
	default:
		metrics.EventsDropped.WithLabelValues("queue-full").Inc()
		s.reporter.Error(context.Background(), "commit queue full, dropping op", nil,
			map[string]any{"repo": op.Repo, "seq": op.Seq})
	}
}

// advanceCursor bumps the in-memory cursor and persists it at most once per
// StoreCursorFreq.
func (s *ATProtoSubscriber) advanceCursor(seq int64) {
	if seq <= 0 {
		return
	}
	s.cursor.Store(seq)
	if time.Since(s.lastFlushed) < s.cfg.StoreCursorFreq {
		return
	}
	s.lastFlushed = time.Now()
	if err := s.store.SetCursor(s.cfg.RelayHost, SubscribeReposStream, seq); err != nil {
		slog.Error("cursor flush failed", "seq", seq, "error", err)
	}
}

// Handle is the commit-handler worker: it pops ops and enqueues durable
// receive tasks. Blocks until ctx is cancelled. Per-op failures are reported
// and skipped.
func (s *ATProtoSubscriber) Handle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-s.commits:
			metrics.CommitQueueDepth.Set(float64(len(s.commits)))
			s.handleOp(ctx, op)
		}
	}
}

func (s *ATProtoSubscriber) handleOp(ctx context.Context, op Op) {
	defer s.reporter.Recover(ctx, "commit handler")

	switch op.Action {
	case "identity", "account", "handle":
		s.refreshIdentity(ctx, op)
		return
	case actionDelete:
		s.handleDelete(ctx, op)
		return
	}

	id := fmt.Sprintf("at://%s/%s", op.Repo, op.Path)
	err := s.dispatch.CreateTask(ctx, tasks.Task{
		Queue:          "receive",
		ID:             id,
		SourceProtocol: models.ProtocolATProto,
		AuthedAs:       op.Repo,
		ReceivedAt:     op.Time,
		Bsky:           op.Record,
	})
	if err == nil {
		metrics.EventsEnqueued.WithLabelValues(models.ProtocolATProto).Inc()
	}
}

// handleDelete synthesizes the activity for a record delete. Tie-breaks:
// block deletes become undo, follow deletes with a stored prior follow
// become stop-following (and are dropped entirely without one), everything
// else is a plain delete. All are delayed by DeleteTaskDelay.
func (s *ATProtoSubscriber) handleDelete(ctx context.Context, op Op) {
	objID := fmt.Sprintf("at://%s/%s", op.Repo, op.Path)
	collection, _, _ := strings.Cut(op.Path, "/")

	verb := actionDelete
	object := any(objID)

	switch collection {
	case "app.bsky.graph.block":
		verb = "undo"
	case "app.bsky.graph.follow":
		stored, err := s.store.GetObject(objID)
		if err != nil {
			s.reporter.Error(ctx, "follow lookup failed", err, map[string]any{"id": objID})
			return
		}
		if stored == nil {
			// We never saw the follow, so there's nothing to stop.
			metrics.EventsDropped.WithLabelValues("irrelevant").Inc()
			return
		}
		verb = "stop-following"
		if bsky := stored.BskyMap(); bsky != nil {
			if subj, _ := bsky["subject"].(string); subj != "" {
				object = subj
			}
		}
	}

	activityID := objID + "#" + verb
	err := s.dispatch.CreateTask(ctx, tasks.Task{
		Queue:          "receive",
		ID:             activityID,
		SourceProtocol: models.ProtocolATProto,
		AuthedAs:       op.Repo,
		Delay:          s.cfg.DeleteTaskDelay,
		AS1: map[string]any{
			"objectType": "activity",
			"verb":       verb,
			"id":         activityID,
			"actor":      op.Repo,
			"object":     object,
		},
	})
	if err == nil {
		metrics.EventsEnqueued.WithLabelValues(models.ProtocolATProto).Inc()
	}
}

// refreshIdentity re-fetches the DID document on #identity/#account/#handle
// events; #identity additionally re-enqueues the profile record so handle
// changes propagate.
func (s *ATProtoSubscriber) refreshIdentity(ctx context.Context, op Op) {
	if _, err := s.adapter.Load(ctx, op.Repo, identity.LoadOpts{
		DIDDoc: true,
		Remote: identity.RemoteOnly,
	}); err != nil {
		s.reporter.Error(ctx, "did doc refresh failed", err, map[string]any{"did": op.Repo})
		return
	}
	slog.Info("refreshed did doc", "did", op.Repo, "event", op.Action)

	if op.Action != "identity" {
		return
	}
	profile, err := s.adapter.Load(ctx, op.Repo, identity.LoadOpts{Remote: identity.RemoteOnly})
	if err != nil || profile == nil {
		return
	}
	s.dispatch.CreateTask(ctx, tasks.Task{
		Queue:          "receive",
		ID:             profile.ID,
		SourceProtocol: models.ProtocolATProto,
		AuthedAs:       op.Repo,
		Bsky:           profile.BskyMap(),
	})
}

// Commits exposes the bounded op queue for tests.
func (s *ATProtoSubscriber) Commits() chan Op { return s.commits }
