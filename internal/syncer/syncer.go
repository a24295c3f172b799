// Package syncer ties the cloud client to the reconciler: it fetches
// datastore snapshots, feeds them into the reconciler inbox, and persists
// reconciled changes so a restart starts from the last known state.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quilt-bridge/internal/hds"
	"quilt-bridge/internal/reconcile"
	"quilt-bridge/internal/store"
)

// Cloud is the subset of the API client the syncer uses.
type Cloud interface {
	GetSystem(ctx context.Context, systemID string) (*hds.System, error)
}

// Syncer holds the latest snapshot per system.
type Syncer struct {
	cloud Cloud
	rec   *reconcile.Reconciler
	store store.Store
	log   *slog.Logger

	mu      sync.RWMutex
	systems map[string]*hds.System
}

// New creates a syncer. st may be nil to run without persistence. With a
// store, the syncer subscribes to bus and writes each space back as the
// reconciler emits its changes, so the store always trails the live state
// by at most one event.
func New(cloud Cloud, rec *reconcile.Reconciler, st store.Store, bus *reconcile.EventBus, log *slog.Logger) *Syncer {
	if log == nil {
		log = slog.Default()
	}
	s := &Syncer{
		cloud:   cloud,
		rec:     rec,
		store:   st,
		log:     log,
		systems: make(map[string]*hds.System),
	}
	if st != nil && bus != nil {
		persist := func(ev reconcile.Event) {
			switch d := ev.Data.(type) {
			case reconcile.SpaceEvent:
				s.persistSpace(d.SpaceID)
			case reconcile.AvailabilityEvent:
				s.persistSpace(d.SpaceID)
			}
		}
		bus.On(reconcile.EventSpaceUpdate, persist)
		bus.On(reconcile.EventSpaceAvailability, persist)
		bus.On(reconcile.EventEnergyUpdate, persist)
	}
	return s
}

// Refresh fetches a snapshot and submits it to the reconciler inbox. reason
// names the trigger ("push", "reconnect", "poll", "safety_poll") and decides
// the update source attributed to the resulting changes.
func (s *Syncer) Refresh(ctx context.Context, systemID, reason string) error {
	sys, err := s.cloud.GetSystem(ctx, systemID)
	if err != nil {
		return fmt.Errorf("fetch system %s: %w", systemID, err)
	}

	s.mu.Lock()
	s.systems[systemID] = sys
	s.mu.Unlock()

	source := reconcile.SourcePoll
	if reason == "push" || reason == "reconnect" {
		source = reconcile.SourcePush
	}

	updates := reconcile.FromSnapshot(sys, source, time.Now())
	for _, u := range updates {
		s.rec.Submit(u)
	}
	s.pruneRemoved(systemID, sys)
	s.log.Debug("refreshed system",
		"system", systemID, "reason", reason,
		"spaces", len(sys.Spaces), "updates", len(updates))

	s.persistSystem(systemID)
	return nil
}

// RefreshFunc adapts Refresh for the notifier and poller, logging failures
// instead of propagating them.
func (s *Syncer) RefreshFunc(systemID string) func(ctx context.Context, reason string) {
	return func(ctx context.Context, reason string) {
		if err := s.Refresh(ctx, systemID, reason); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("refresh failed", "system", systemID, "reason", reason, "err", err)
		}
	}
}

// Snapshot returns the latest raw snapshot for a system, or nil before the
// first successful refresh.
func (s *Syncer) Snapshot(systemID string) *hds.System {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systems[systemID]
}

// Topics returns the notifier topics for a system's current snapshot.
func (s *Syncer) Topics(systemID string) []string {
	if sys := s.Snapshot(systemID); sys != nil {
		return sys.NotifierTopics()
	}
	return nil
}

// RestoreFromStore seeds the reconciler with the persisted space records.
func (s *Syncer) RestoreFromStore() {
	if s.store == nil {
		return
	}
	spaces, err := s.store.ListSpaces()
	if err != nil {
		s.log.Warn("restore spaces failed", "err", err)
		return
	}
	for _, sp := range spaces {
		s.rec.Restore(reconcile.Space{
			SpaceID:     sp.SpaceID,
			SystemID:    sp.SystemID,
			Fields:      sp.Fields,
			Available:   false,
			LastApplied: sp.LastApplied,
			LastSeen:    sp.LastSeen,
		})
	}
	if len(spaces) > 0 {
		s.log.Info("restored spaces from store", "count", len(spaces))
	}
}

// pruneRemoved retracts spaces the cloud stopped reporting for a system:
// the record is dropped from the live state and the store, and the removal
// event lets downstream consumers retract theirs.
func (s *Syncer) pruneRemoved(systemID string, sys *hds.System) {
	for _, sp := range s.rec.Spaces() {
		if sp.SystemID != systemID {
			continue
		}
		if _, ok := sys.Spaces[sp.SpaceID]; ok {
			continue
		}
		s.log.Info("space removed upstream", "space", sp.SpaceID, "name", sp.Name())
		s.rec.Remove(sp.SpaceID)
		if s.store == nil {
			continue
		}
		if err := s.store.DeleteSpace(sp.SpaceID); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("delete space failed", "space", sp.SpaceID, "err", err)
		}
	}
}

// persistSpace writes one reconciled record through the store, creating it
// on first sight and read-modify-writing it afterwards.
func (s *Syncer) persistSpace(spaceID string) {
	sp, ok := s.rec.Space(spaceID)
	if !ok {
		return
	}
	if _, err := s.store.GetSpace(spaceID); errors.Is(err, store.ErrNotFound) {
		err := s.store.SaveSpace(&store.SpaceRecord{
			SpaceID:     sp.SpaceID,
			SystemID:    sp.SystemID,
			Name:        sp.Name(),
			Fields:      sp.Fields,
			Available:   sp.Available,
			LastApplied: sp.LastApplied,
			LastSeen:    sp.LastSeen,
		})
		if err != nil {
			s.log.Warn("persist space failed", "space", spaceID, "err", err)
		}
		return
	}
	err := s.store.UpdateSpace(spaceID, func(rec *store.SpaceRecord) error {
		rec.SystemID = sp.SystemID
		rec.Name = sp.Name()
		rec.Fields = sp.Fields
		rec.Available = sp.Available
		rec.LastApplied = sp.LastApplied
		rec.LastSeen = sp.LastSeen
		return nil
	})
	if err != nil {
		s.log.Warn("persist space failed", "space", spaceID, "err", err)
	}
}

// persistSystem records the refresh time on the system record.
func (s *Syncer) persistSystem(systemID string) {
	if s.store == nil {
		return
	}
	sysRec, err := s.store.GetSystem(systemID)
	if err != nil {
		sysRec = &store.SystemRecord{SystemID: systemID}
	}
	sysRec.LastRefresh = time.Now()
	if err := s.store.SaveSystem(sysRec); err != nil {
		s.log.Warn("persist system failed", "system", systemID, "err", err)
	}
}
