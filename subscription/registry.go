package subscription

import (
	"github.com/bitwarden/autopush-manager/events"
	"github.com/bitwarden/autopush-manager/logging"
	"github.com/bitwarden/autopush-manager/storage"
)

// channelIDsKey is the top-level storage key holding the set of active
// channel ids (spec §3, §6).
const channelIDsKey = "channelIDs"

// Registry maps channel-id to Subscription and is the exclusive owner
// of every Subscription it holds (spec §3's ownership note).
type Registry struct {
	storage     *storage.Storage
	logger      *logging.Logger
	unsubscribe func(channelID string) error
	subs        map[string]*Subscription
}

// New recovers every channel id persisted under storage's channelIDs
// list, logging and skipping individual recovery failures rather than
// failing the whole registry (spec §4.5).
func New(store *storage.Storage, logger *logging.Logger, unsubscribe func(channelID string) error) (*Registry, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Registry{
		storage:     store,
		logger:      logger.Extend("registry"),
		unsubscribe: unsubscribe,
		subs:        make(map[string]*Subscription),
	}

	var channelIDs []string
	if _, err := store.Read(channelIDsKey, &channelIDs); err != nil {
		return nil, err
	}

	for _, id := range channelIDs {
		sub, err := Recover(id, store, unsubscribe, logger)
		if err != nil {
			r.logger.Warn("failed to recover subscription, skipping", "channelID", id, "error", err)
			continue
		}
		r.subs[id] = sub
	}

	return r, nil
}

// channelIDList returns the registry's current channel ids, in no
// particular order.
func (r *Registry) channelIDList() []string {
	ids := make([]string, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) persistChannelIDs() error {
	return r.storage.Write(channelIDsKey, r.channelIDList())
}

// Add constructs a fresh Subscription for channelID and persists the
// updated channelIDs set.
func (r *Registry) Add(channelID, endpoint string, options Options, evts *events.Manager) (*Subscription, error) {
	sub, err := Create(channelID, r.storage, endpoint, options, r.unsubscribe, r.logger, evts)
	if err != nil {
		return nil, err
	}
	r.subs[channelID] = sub
	if err := r.persistChannelIDs(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns the subscription for channelID, or nil if unknown.
func (r *Registry) Get(channelID string) *Subscription {
	return r.subs[channelID]
}

// GetByApplicationServerKey scans for a subscription whose options
// carry the given VAPID public key (spec §3: "exactly one subscription
// exists per applicationServerKey at a time").
func (r *Registry) GetByApplicationServerKey(key string) *Subscription {
	for _, sub := range r.subs {
		if sub.options.ApplicationServerKey == key {
			return sub
		}
	}
	return nil
}

// Remove destroys and forgets channelID's subscription.
func (r *Registry) Remove(channelID string) error {
	sub, ok := r.subs[channelID]
	if !ok {
		return nil
	}
	if err := sub.Destroy(); err != nil {
		return err
	}
	delete(r.subs, channelID)
	return r.persistChannelIDs()
}

// ReInitAll re-registers every subscription currently in the registry
// (spec §4.5, triggered by a UAID rotation): it snapshots the current
// set, calls ReInit on each via register, and destroys+forgets the
// original only after the replacement is in place. Individual
// failures are logged and that subscription is left as-is, matching
// the registry's general skip-and-continue recovery posture.
func (r *Registry) ReInitAll(register RegisterFunc) {
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}

	for _, old := range snapshot {
		fresh, err := old.ReInit(register)
		if err != nil {
			r.logger.Error("failed to re-init subscription", "channelID", old.channelID, "error", err)
			continue
		}
		delete(r.subs, old.channelID)
		r.subs[fresh.channelID] = fresh
		if err := old.Destroy(); err != nil {
			r.logger.Error("failed to destroy superseded subscription", "channelID", old.channelID, "error", err)
		}
	}

	if err := r.persistChannelIDs(); err != nil {
		r.logger.Error("failed to persist channel ids after re-init", "error", err)
	}
}

// Len reports how many subscriptions the registry currently holds.
func (r *Registry) Len() int { return len(r.subs) }

// ChannelIDs returns the registry's current channel ids, in no
// particular order, for the outbound hello frame (spec §4.6).
func (r *Registry) ChannelIDs() []string { return r.channelIDList() }
