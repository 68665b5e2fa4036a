package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "portfolio-realtime/internal/errors"
	"portfolio-realtime/internal/models"
	"portfolio-realtime/internal/protocol"
	"portfolio-realtime/internal/store"

	"github.com/rs/zerolog"
)

// RegistryConfig holds connection bookkeeping settings.
type RegistryConfig struct {
	// ConnectionTTL bounds how long a persisted connection record outlives
	// its last refresh.
	ConnectionTTL time.Duration
	// InactivityTimeout is the idle time after which a connection is swept.
	InactivityTimeout time.Duration
	// TopSymbols is the number of symbols reported in ConnectionStats.
	TopSymbols int
}

// DefaultRegistryConfig returns the default registry configuration.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		ConnectionTTL:     10 * time.Minute,
		InactivityTimeout: 5 * time.Minute,
		TopSymbols:        10,
	}
}

type connEntry struct {
	info        models.ConnectionInfo
	conn        Conn
	symbols     map[string]struct{}
	persistedAt time.Time
}

func (e *connEntry) symbolList() []string {
	out := make([]string, 0, len(e.symbols))
	for s := range e.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Registry tracks live connections and their symbol subscriptions. It owns
// the Broadcaster: every change to a connection's subscription set updates
// the broadcaster's subscriber sets under the same lock.
type Registry struct {
	cfg    RegistryConfig
	state  store.StateStore
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	conns  map[string]*connEntry
	byUser map[string]map[string]struct{}

	broadcaster *Broadcaster
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStateStore persists connection records and subscription sets.
func WithStateStore(s store.StateStore) RegistryOption {
	return func(r *Registry) { r.state = s }
}

// WithRegistryClock overrides the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a registry and its broadcaster.
func NewRegistry(cfg RegistryConfig, logger zerolog.Logger, opts ...RegistryOption) *Registry {
	def := DefaultRegistryConfig()
	if cfg.ConnectionTTL <= 0 {
		cfg.ConnectionTTL = def.ConnectionTTL
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = def.InactivityTimeout
	}
	if cfg.TopSymbols <= 0 {
		cfg.TopSymbols = def.TopSymbols
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
		conns:  make(map[string]*connEntry),
		byUser: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.broadcaster = newBroadcaster(r, logger, r.now)
	return r
}

// Broadcaster returns the registry's broadcaster.
func (r *Registry) Broadcaster() *Broadcaster {
	return r.broadcaster
}

// RegisterConnection records a connection. Registering an id twice replaces
// the outbound Conn and metadata but keeps the subscription set.
func (r *Registry) RegisterConnection(ctx context.Context, userID string, info models.ConnectionInfo, conn Conn) {
	now := r.now()
	info.UserID = userID
	if info.ConnectedAt.IsZero() {
		info.ConnectedAt = now
	}
	info.LastActivity = now

	r.mu.Lock()
	e, ok := r.conns[info.ConnectionID]
	if ok && e.info.UserID != userID {
		// Reassigned to a different user: drop the old ownership first.
		r.removeLocked(e)
		ok = false
	}
	if ok {
		info.ConnectedAt = e.info.ConnectedAt
		e.info = info
		e.conn = conn
	} else {
		e = &connEntry{info: info, conn: conn, symbols: make(map[string]struct{})}
		for _, s := range info.Symbols {
			e.symbols[s] = struct{}{}
			r.broadcaster.addSubscriber(s, userID)
		}
		r.conns[info.ConnectionID] = e
		users, exists := r.byUser[userID]
		if !exists {
			users = make(map[string]struct{})
			r.byUser[userID] = users
		}
		users[info.ConnectionID] = struct{}{}
	}
	e.info.Symbols = e.symbolList()
	record := e.info
	e.persistedAt = now
	r.mu.Unlock()

	r.persistConnection(ctx, record)
}

// RemoveConnection removes one connection of userID, or every connection of
// userID when connectionID is empty. Removing an unknown connection is a
// no-op. It returns the number of connections removed.
func (r *Registry) RemoveConnection(ctx context.Context, userID, connectionID string) int {
	removed := r.remove(userID, connectionID)
	for _, e := range removed {
		r.deleteRecord(ctx, e.info.ConnectionID)
	}
	return len(removed)
}

func (r *Registry) remove(userID, connectionID string) []*connEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	if connectionID != "" {
		e, ok := r.conns[connectionID]
		if !ok || e.info.UserID != userID {
			return nil
		}
		ids = []string{connectionID}
	} else {
		for id := range r.byUser[userID] {
			ids = append(ids, id)
		}
	}

	removed := make([]*connEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.conns[id]; ok {
			r.removeLocked(e)
			removed = append(removed, e)
		}
	}
	return removed
}

// removeLocked drops e and releases its broadcaster subscriptions unless
// another connection of the same user still holds the symbol.
func (r *Registry) removeLocked(e *connEntry) {
	userID := e.info.UserID
	id := e.info.ConnectionID

	delete(r.conns, id)
	if users, ok := r.byUser[userID]; ok {
		delete(users, id)
		if len(users) == 0 {
			delete(r.byUser, userID)
		}
	}
	for s := range e.symbols {
		if !r.userHoldsLocked(userID, s) {
			r.broadcaster.removeSubscriber(s, userID)
		}
	}
}

func (r *Registry) userHoldsLocked(userID, symbol string) bool {
	for id := range r.byUser[userID] {
		if e, ok := r.conns[id]; ok {
			if _, held := e.symbols[symbol]; held {
				return true
			}
		}
	}
	return false
}

// Subscribe adds symbols to a connection's subscription set. It returns the
// symbols newly added and the connection's subscription count.
func (r *Registry) Subscribe(ctx context.Context, connectionID string, symbols []string) ([]string, int, error) {
	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, 0, apperrors.ErrNotRegistered
	}
	added := r.addLocked(e, symbols)
	count := len(e.symbols)
	userID := e.info.UserID
	set := r.userSymbolsLocked(userID)
	r.mu.Unlock()

	r.persistSubscriptions(ctx, userID, set)
	return added, count, nil
}

// Unsubscribe removes symbols from a connection's subscription set. It
// returns the symbols actually removed and the remaining count.
func (r *Registry) Unsubscribe(ctx context.Context, connectionID string, symbols []string) ([]string, int, error) {
	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, 0, apperrors.ErrNotRegistered
	}
	removed := r.dropLocked(e, symbols)
	remaining := len(e.symbols)
	userID := e.info.UserID
	set := r.userSymbolsLocked(userID)
	r.mu.Unlock()

	r.persistSubscriptions(ctx, userID, set)
	return removed, remaining, nil
}

func (r *Registry) addLocked(e *connEntry, symbols []string) []string {
	var added []string
	for _, s := range symbols {
		if _, ok := e.symbols[s]; ok {
			continue
		}
		e.symbols[s] = struct{}{}
		r.broadcaster.addSubscriber(s, e.info.UserID)
		added = append(added, s)
	}
	e.info.Symbols = e.symbolList()
	return added
}

func (r *Registry) dropLocked(e *connEntry, symbols []string) []string {
	var removed []string
	for _, s := range symbols {
		if _, ok := e.symbols[s]; !ok {
			continue
		}
		delete(e.symbols, s)
		if !r.userHoldsLocked(e.info.UserID, s) {
			r.broadcaster.removeSubscriber(s, e.info.UserID)
		}
		removed = append(removed, s)
	}
	e.info.Symbols = e.symbolList()
	return removed
}

// UpdateSubscriptions sets every active connection of userID to exactly
// symbols, touching the broadcaster only for the difference, and persists
// the new set.
func (r *Registry) UpdateSubscriptions(ctx context.Context, userID string, symbols []string) {
	want := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		want[s] = struct{}{}
	}

	r.mu.Lock()
	for id := range r.byUser[userID] {
		e := r.conns[id]
		var toAdd, toDrop []string
		for s := range want {
			if _, ok := e.symbols[s]; !ok {
				toAdd = append(toAdd, s)
			}
		}
		for s := range e.symbols {
			if _, ok := want[s]; !ok {
				toDrop = append(toDrop, s)
			}
		}
		r.dropLocked(e, toDrop)
		r.addLocked(e, toAdd)
	}
	r.mu.Unlock()

	set := make([]string, 0, len(want))
	for s := range want {
		set = append(set, s)
	}
	sort.Strings(set)
	r.persistSubscriptions(ctx, userID, set)
}

// Subscriptions returns a connection's sorted subscription set.
func (r *Registry) Subscriptions(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	return e.symbolList()
}

// StoredSubscriptions loads the last persisted symbol set of userID.
func (r *Registry) StoredSubscriptions(ctx context.Context, userID string) ([]string, error) {
	if r.state == nil {
		return nil, nil
	}
	var set []string
	err := store.GetJSON(ctx, r.state, store.SubscriptionsKey(userID), &set)
	if apperrors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return set, err
}

func (r *Registry) userSymbolsLocked(userID string) []string {
	set := make(map[string]struct{})
	for id := range r.byUser[userID] {
		for s := range r.conns[id].symbols {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// subscribedConns implements connectionLookup.
func (r *Registry) subscribedConns(userID, symbol string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conn
	for id := range r.byUser[userID] {
		e := r.conns[id]
		if _, ok := e.symbols[symbol]; ok && e.conn != nil {
			out = append(out, e.conn)
		}
	}
	return out
}

// Touch records activity on a connection and refreshes its persisted TTL
// once half of it has elapsed.
func (r *Registry) Touch(ctx context.Context, connectionID string) {
	now := r.now()

	r.mu.Lock()
	e, ok := r.conns[connectionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e.info.LastActivity = now
	refresh := now.Sub(e.persistedAt) >= r.cfg.ConnectionTTL/2
	if refresh {
		e.persistedAt = now
	}
	record := e.info
	r.mu.Unlock()

	if refresh {
		r.persistConnection(ctx, record)
	}
}

// GetUserConnections returns the connections owned by userID.
func (r *Registry) GetUserConnections(userID string) []models.ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ConnectionInfo, 0, len(r.byUser[userID]))
	for id := range r.byUser[userID] {
		out = append(out, r.conns[id].info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// Connection returns one connection's info.
func (r *Registry) Connection(connectionID string) (models.ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return models.ConnectionInfo{}, false
	}
	return e.info, true
}

// GetSymbolSubscribers returns the users subscribed to symbol.
func (r *Registry) GetSymbolSubscribers(symbol string) []string {
	return r.broadcaster.GetSubscribers(symbol)
}

// Symbols returns every symbol with at least one subscriber.
func (r *Registry) Symbols() []string {
	return r.broadcaster.Symbols()
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SymbolCount pairs a symbol with its subscriber count.
type SymbolCount struct {
	Symbol      string `json:"symbol"`
	Subscribers int    `json:"subscribers"`
}

// ConnectionStats summarizes the registry.
type ConnectionStats struct {
	TotalConnections int           `json:"totalConnections"`
	TotalUsers       int           `json:"totalUsers"`
	TotalSymbols     int           `json:"totalSymbols"`
	TopSymbols       []SymbolCount `json:"topSymbols"`
}

// GetConnectionStats returns counts and the most subscribed symbols.
func (r *Registry) GetConnectionStats() ConnectionStats {
	r.mu.RLock()
	stats := ConnectionStats{
		TotalConnections: len(r.conns),
		TotalUsers:       len(r.byUser),
	}
	r.mu.RUnlock()

	counts := r.broadcaster.subscriberCounts()
	stats.TotalSymbols = len(counts)

	top := make([]SymbolCount, 0, len(counts))
	for s, n := range counts {
		top = append(top, SymbolCount{Symbol: s, Subscribers: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Subscribers != top[j].Subscribers {
			return top[i].Subscribers > top[j].Subscribers
		}
		return top[i].Symbol < top[j].Symbol
	})
	if len(top) > r.cfg.TopSymbols {
		top = top[:r.cfg.TopSymbols]
	}
	stats.TopSymbols = top
	return stats
}

// GetInactiveConnections returns connections idle for longer than threshold.
func (r *Registry) GetInactiveConnections(threshold time.Duration) []models.ConnectionInfo {
	cutoff := r.now().Add(-threshold)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ConnectionInfo
	for _, e := range r.conns {
		if e.info.LastActivity.Before(cutoff) {
			out = append(out, e.info)
		}
	}
	return out
}

// CleanupExpiredConnections closes and unregisters every connection idle for
// longer than the inactivity timeout. It returns the number removed.
func (r *Registry) CleanupExpiredConnections(ctx context.Context) int {
	cleaned := 0
	for _, info := range r.GetInactiveConnections(r.cfg.InactivityTimeout) {
		r.mu.RLock()
		var conn Conn
		if e, ok := r.conns[info.ConnectionID]; ok {
			conn = e.conn
		}
		r.mu.RUnlock()

		if r.RemoveConnection(ctx, info.UserID, info.ConnectionID) == 0 {
			continue
		}
		if conn != nil {
			conn.Close(protocol.CloseInactive, "inactive")
		}
		cleaned++
		r.logger.Info().
			Str("connection_id", info.ConnectionID).
			Str("user_id", info.UserID).
			Time("last_activity", info.LastActivity).
			Msg("Inactive connection removed")
	}
	return cleaned
}

// CloseAll closes and unregisters every connection.
func (r *Registry) CloseAll(ctx context.Context, code int, reason string) int {
	r.mu.RLock()
	entries := make([]*connEntry, 0, len(r.conns))
	for _, e := range r.conns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		if r.RemoveConnection(ctx, e.info.UserID, e.info.ConnectionID) > 0 && e.conn != nil {
			e.conn.Close(code, reason)
		}
	}
	return len(entries)
}

// Restore purges connection records left by a previous process. Sockets do
// not survive a restart, so any persisted record is stale.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.state == nil {
		return 0, nil
	}
	keys, err := r.state.Keys(ctx, store.ConnectionKey(""))
	if err != nil {
		return 0, apperrors.Wrap(err, "listing connection records")
	}

	purged := 0
	for _, k := range keys {
		id := k[len(store.ConnectionKey("")):]
		r.mu.RLock()
		_, live := r.conns[id]
		r.mu.RUnlock()
		if live {
			continue
		}
		if err := r.state.Delete(ctx, k); err != nil {
			return purged, apperrors.Wrapf(err, "deleting %s", k)
		}
		purged++
	}
	if purged > 0 {
		r.logger.Info().Int("purged", purged).Msg("Stale connection records removed")
	}
	return purged, nil
}

func (r *Registry) persistConnection(ctx context.Context, info models.ConnectionInfo) {
	if r.state == nil {
		return
	}
	if err := store.SetJSON(ctx, r.state, store.ConnectionKey(info.ConnectionID), info, r.cfg.ConnectionTTL); err != nil {
		r.logger.Warn().Err(err).Str("connection_id", info.ConnectionID).Msg("Failed to persist connection")
	}
}

func (r *Registry) deleteRecord(ctx context.Context, connectionID string) {
	if r.state == nil {
		return
	}
	if err := r.state.Delete(ctx, store.ConnectionKey(connectionID)); err != nil {
		r.logger.Warn().Err(err).Str("connection_id", connectionID).Msg("Failed to delete connection record")
	}
}

func (r *Registry) persistSubscriptions(ctx context.Context, userID string, symbols []string) {
	if r.state == nil {
		return
	}
	if err := store.SetJSON(ctx, r.state, store.SubscriptionsKey(userID), symbols, 0); err != nil {
		r.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to persist subscriptions")
	}
}
